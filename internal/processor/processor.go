package processor

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/starford/koinet-node/internal/apperr"
	"github.com/starford/koinet-node/internal/checksum"
	"github.com/starford/koinet-node/internal/classifier"
	"github.com/starford/koinet-node/internal/metrics"
	"github.com/starford/koinet-node/internal/models"
	"github.com/starford/koinet-node/internal/rid"
)

const (
	lockStripes = 64
	// maxInflight bounds concurrent fetches and deferred peer calls.
	maxInflight = 64
)

// Store is the object-store access the pipeline needs.
type Store interface {
	Read(r rid.RID) (*models.Bundle, error)
	Write(b *models.Bundle) error
}

// Fetcher retrieves a full bundle from the network. from is the peer that
// announced the object and may be empty.
type Fetcher interface {
	FetchBundle(ctx context.Context, r rid.RID, from rid.RID) (*models.Bundle, error)
}

// Deliverer sends an accepted object's event to the given peers.
type Deliverer interface {
	Deliver(ctx context.Context, ev models.Event, targets []rid.RID)
}

// Result reports how one knowledge object left the pipeline.
type Result struct {
	// Outcome is empty when the chain halted before classification.
	Outcome  classifier.Outcome
	Accepted bool
	// Phase is where the chain halted; meaningless when Accepted.
	Phase Phase
	Err   error
}

// Halted reports whether the object was dropped.
func (r Result) Halted() bool { return !r.Accepted }

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(p *Processor) { p.logger = l } }

// WithMetrics sets the collectors updated by the pipeline.
func WithMetrics(m *metrics.Metrics) Option { return func(p *Processor) { p.metrics = m } }

// WithTracer sets the tracer used for per-object spans.
func WithTracer(t trace.Tracer) Option { return func(p *Processor) { p.tracer = t } }

// WithWorkers sets the number of queue shards and workers.
func WithWorkers(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithFetcher sets the network fetcher for objects arriving without contents.
func WithFetcher(f Fetcher) Option { return func(p *Processor) { p.fetcher = f } }

// WithDeliverer sets the broadcaster for accepted objects.
func WithDeliverer(d Deliverer) Option { return func(p *Processor) { p.deliverer = d } }

// Processor classifies knowledge objects, runs the handler table over the
// accepted ones and persists them.
//
// Objects for one RID are classified and cached by one goroutine at a
// time: Submit routes a RID to a fixed shard and each stage holds a
// per-RID lock stripe. The stripe is released around network fetches.
// Handlers must use Submit, never Process, to feed derived objects back,
// and Defer for peer round trips.
type Processor struct {
	store     Store
	table     *Table
	fetcher   Fetcher
	deliverer Deliverer
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	workers   int

	shardsOnce sync.Once
	shards     []*queue
	locks      [lockStripes]sync.Mutex
}

// New creates a Processor over store dispatching to table.
func New(store Store, table *Table, opts ...Option) *Processor {
	p := &Processor{
		store:   store,
		table:   table,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer:  otel.Tracer("github.com/starford/koinet-node/internal/processor"),
		workers: 1,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Processor) initShards() {
	p.shardsOnce.Do(func() {
		p.shards = make([]*queue, p.workers)
		for i := range p.shards {
			p.shards[i] = newQueue()
		}
	})
}

func hashRID(r rid.RID) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(r))
	return h.Sum32()
}

// Submit queues kobj for asynchronous processing. It returns false once
// the processor has stopped.
func (p *Processor) Submit(kobj *KnowledgeObject) bool {
	p.initShards()
	q := p.shards[hashRID(kobj.RID)%uint32(len(p.shards))]
	if !q.push(kobj) {
		return false
	}
	if p.metrics != nil {
		p.metrics.QueueDepth.Inc()
	}
	return true
}

// Pending returns the number of queued objects.
func (p *Processor) Pending() int {
	p.initShards()
	n := 0
	for _, q := range p.shards {
		n += q.len()
	}
	return n
}

// Run drains the work queues until ctx is cancelled. Peer round trips
// (content fetches and deferred handler work) run beside the shard
// workers, so a slow peer only delays the object waiting on it.
func (p *Processor) Run(ctx context.Context) error {
	p.initShards()
	defer func() {
		for _, q := range p.shards {
			q.close()
		}
	}()

	offload := new(errgroup.Group)
	offload.SetLimit(maxInflight)

	g, gCtx := errgroup.WithContext(ctx)
	for i, q := range p.shards {
		g.Go(func() error {
			p.logger.Debug("processor: worker started", slog.Int("shard", i))
			for {
				select {
				case <-gCtx.Done():
					return nil
				case <-q.wait():
				}
				for {
					kobj, ok := q.pop()
					if !ok {
						break
					}
					if p.metrics != nil {
						p.metrics.QueueDepth.Dec()
					}
					p.dispatch(gCtx, kobj, offload)
				}
			}
		})
	}
	err := g.Wait()
	_ = offload.Wait()
	return err
}

// Flush processes queued objects synchronously until every queue is empty.
// It is meant for callers without a running worker pool, such as tests and
// one-shot commands.
func (p *Processor) Flush(ctx context.Context) {
	p.initShards()
	for {
		progressed := false
		for _, q := range p.shards {
			kobj, ok := q.pop()
			if !ok {
				continue
			}
			progressed = true
			if p.metrics != nil {
				p.metrics.QueueDepth.Dec()
			}
			p.Process(ctx, kobj)
		}
		if !progressed || ctx.Err() != nil {
			return
		}
	}
}

// Process runs kobj through the pipeline synchronously. The RID lock is
// not held while contents are fetched or deferred work runs.
func (p *Processor) Process(ctx context.Context, kobj *KnowledgeObject) Result {
	ctx, span := p.startSpan(ctx, kobj)
	st := p.begin(ctx, kobj)
	res := p.complete(ctx, kobj, st)
	endSpan(span, res)
	return res
}

// dispatch runs the locked first stage on the calling worker and hands
// anything that talks to a peer to offload.
func (p *Processor) dispatch(ctx context.Context, kobj *KnowledgeObject, offload *errgroup.Group) {
	ctx, span := p.startSpan(ctx, kobj)
	st := p.begin(ctx, kobj)
	if st.done && len(kobj.deferred) == 0 {
		endSpan(span, st.res)
		return
	}
	offload.Go(func() error {
		endSpan(span, p.complete(ctx, kobj, st))
		return nil
	})
}

func (p *Processor) startSpan(ctx context.Context, kobj *KnowledgeObject) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "processor.process", trace.WithAttributes(
		attribute.String("koi.rid", kobj.RID.String()),
		attribute.String("koi.source", kobj.Source.String()),
	))
}

func endSpan(span trace.Span, res Result) {
	span.SetAttributes(
		attribute.String("koi.outcome", string(res.Outcome)),
		attribute.Bool("koi.accepted", res.Accepted),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	span.End()
}

// stage is where an object's chain stands after begin.
type stage struct {
	res  Result
	done bool
	// classified is set when the announced manifest was already classified
	// and the manifest phase ran; dec is that decision.
	classified bool
	dec        classifier.Decision
}

func (p *Processor) lock(r rid.RID) func() {
	mu := &p.locks[hashRID(r)%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// complete fetches missing contents, finishes the chain under the RID lock
// and then runs the handlers' deferred work.
func (p *Processor) complete(ctx context.Context, kobj *KnowledgeObject, st stage) Result {
	res := st.res
	if !st.done {
		fetchErr := p.fetchInto(ctx, kobj)
		res = p.resume(ctx, kobj, st, fetchErr)
	}
	for _, fn := range kobj.deferred {
		p.runDeferred(ctx, kobj, fn)
	}
	kobj.deferred = nil
	return res
}

func (p *Processor) runDeferred(ctx context.Context, kobj *KnowledgeObject, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("processor: deferred work panic",
				slog.String("rid", kobj.RID.String()),
				slog.Any("panic", r))
		}
	}()
	fn(ctx)
}

func (p *Processor) recovered(kobj *KnowledgeObject, prev Result, r any) Result {
	p.logger.Error("processor: handler panic",
		slog.String("rid", kobj.RID.String()),
		slog.Any("panic", r))
	return Result{Outcome: prev.Outcome, Phase: prev.Phase, Err: fmt.Errorf("processor: panic: %v", r)}
}

// begin runs the chain under the RID lock until it finishes or needs
// contents from the network.
func (p *Processor) begin(ctx context.Context, kobj *KnowledgeObject) (st stage) {
	unlock := p.lock(kobj.RID)
	defer unlock()
	defer func() {
		if r := recover(); r != nil {
			st = stage{done: true, res: p.recovered(kobj, st.res, r)}
		}
	}()

	log := p.logger.With(slog.String("rid", kobj.RID.String()))
	halt := func(res Result) stage { return stage{done: true, res: res} }

	if res, halted := p.runPhase(ctx, PhaseRID, kobj); halted {
		return halt(res)
	}
	if kobj.EventType == models.EventForget {
		log.Debug("processor: forget event, nothing to do")
		return halt(Result{Phase: PhaseRID})
	}

	cached, err := p.cached(kobj.RID)
	if err != nil {
		log.Error("processor: cache read failed", slog.String("error", err.Error()))
		return halt(Result{Phase: PhaseRID, Err: err})
	}

	if kobj.Manifest == nil {
		if kobj.Source == models.SourceLocal {
			// A local bare RID refers to what is already cached.
			log.Debug("processor: local rid without manifest, nothing to do")
			return halt(Result{Phase: PhaseRID})
		}
		return stage{res: Result{Phase: PhaseRID}}
	}

	if kobj.Contents != nil {
		if err := p.verify(kobj); err != nil {
			log.Warn("processor: content hash mismatch", slog.String("error", err.Error()))
			return halt(Result{Phase: PhaseManifest, Err: err})
		}
	}
	dec, err := classifier.Classify(*kobj.Manifest, cached)
	if err != nil {
		log.Warn("processor: malformed manifest", slog.String("error", err.Error()))
		return halt(Result{Phase: PhaseManifest, Err: err})
	}
	p.observe(dec.Outcome, kobj.RID.Type())
	if dec.Halt {
		log.Debug("processor: halted by classifier", slog.String("outcome", string(dec.Outcome)))
		return halt(Result{Outcome: dec.Outcome, Phase: PhaseManifest})
	}
	kobj.NormalizedEventType = dec.EventType()

	if res, halted := p.runPhase(ctx, PhaseManifest, kobj); halted {
		res.Outcome = dec.Outcome
		return halt(res)
	}
	if kobj.Contents == nil {
		return stage{res: Result{Outcome: dec.Outcome, Phase: PhaseManifest}, classified: true, dec: dec}
	}
	return halt(p.finish(ctx, kobj, dec))
}

// resume continues the chain of an object whose contents were fetched
// without the RID lock. The cache is read again because other versions
// may have been accepted meanwhile.
func (p *Processor) resume(ctx context.Context, kobj *KnowledgeObject, st stage, fetchErr error) (res Result) {
	unlock := p.lock(kobj.RID)
	defer unlock()
	defer func() {
		if r := recover(); r != nil {
			res = p.recovered(kobj, res, r)
		}
	}()

	log := p.logger.With(slog.String("rid", kobj.RID.String()))
	if fetchErr != nil {
		log.Warn("processor: fetch failed", slog.String("error", fetchErr.Error()))
		return Result{Outcome: classifier.Stale, Phase: st.res.Phase, Err: fetchErr}
	}
	if err := p.verify(kobj); err != nil {
		log.Warn("processor: content hash mismatch", slog.String("error", err.Error()))
		return Result{Phase: PhaseManifest, Err: err}
	}

	cached, err := p.cached(kobj.RID)
	if err != nil {
		log.Error("processor: cache read failed", slog.String("error", err.Error()))
		return Result{Phase: PhaseManifest, Err: err}
	}
	// The fetched version may differ from the announced manifest.
	dec, err := classifier.Classify(*kobj.Manifest, cached)
	if err != nil {
		log.Warn("processor: malformed fetched manifest", slog.String("error", err.Error()))
		return Result{Phase: PhaseManifest, Err: err}
	}
	if !st.classified {
		p.observe(dec.Outcome, kobj.RID.Type())
	}
	if dec.Halt {
		log.Debug("processor: fetched bundle halted by classifier", slog.String("outcome", string(dec.Outcome)))
		return Result{Outcome: dec.Outcome, Phase: PhaseManifest}
	}
	kobj.NormalizedEventType = dec.EventType()

	if !st.classified {
		if res, halted := p.runPhase(ctx, PhaseManifest, kobj); halted {
			res.Outcome = dec.Outcome
			return res
		}
	}
	return p.finish(ctx, kobj, dec)
}

// finish runs the bundle, network and final phases of an accepted object
// and caches it. The caller holds the RID lock.
func (p *Processor) finish(ctx context.Context, kobj *KnowledgeObject, dec classifier.Decision) Result {
	log := p.logger.With(slog.String("rid", kobj.RID.String()))

	if res, halted := p.runPhase(ctx, PhaseBundle, kobj); halted {
		res.Outcome = dec.Outcome
		return res
	}

	b := kobj.Bundle()
	if b == nil {
		return Result{Outcome: dec.Outcome, Phase: PhaseBundle, Err: fmt.Errorf("processor: %s: bundle lost its contents", kobj.RID)}
	}
	if err := p.store.Write(b); err != nil {
		log.Error("processor: cache write failed", slog.String("error", err.Error()))
		return Result{Outcome: dec.Outcome, Phase: PhaseBundle, Err: err}
	}
	log.Debug("processor: cached", slog.String("event_type", string(kobj.NormalizedEventType)))

	if res, halted := p.runPhase(ctx, PhaseNetwork, kobj); halted {
		res.Outcome = dec.Outcome
		return res
	}
	if targets := excludePeer(kobj.NetworkTargets, kobj.FromPeer); len(targets) > 0 && p.deliverer != nil {
		ev := kobj.Event()
		kobj.Defer(func(ctx context.Context) { p.deliverer.Deliver(ctx, ev, targets) })
	}

	if res, halted := p.runPhase(ctx, PhaseFinal, kobj); halted {
		res.Outcome = dec.Outcome
		// Already cached and broadcast; the final phase can only stop later handlers.
		res.Accepted = true
		return res
	}
	return Result{Outcome: dec.Outcome, Accepted: true}
}

func (p *Processor) cached(r rid.RID) (*models.Manifest, error) {
	prev, err := p.store.Read(r)
	switch {
	case err == nil:
		return &prev.Manifest, nil
	case errors.Is(err, apperr.ErrNotFound):
		return nil, nil
	default:
		return nil, err
	}
}

// verify checks that a peer's contents hash to the manifest it sent.
// Local objects are hashed by this node and are trusted.
func (p *Processor) verify(kobj *KnowledgeObject) error {
	if kobj.Source != models.SourceExternal || kobj.Manifest == nil || kobj.Manifest.SHA256Hash == "" {
		return nil
	}
	sum, err := checksum.Contents(kobj.Contents)
	if err != nil {
		return fmt.Errorf("processor: %s: %w", kobj.RID, apperr.ErrValidationFailure)
	}
	if sum != kobj.Manifest.SHA256Hash {
		return fmt.Errorf("processor: %s: contents hash %s, manifest says %s: %w",
			kobj.RID, sum, kobj.Manifest.SHA256Hash, apperr.ErrValidationFailure)
	}
	return nil
}

// runPhase invokes the handlers of phase in order. A Halt action or an
// error stops the chain.
func (p *Processor) runPhase(ctx context.Context, phase Phase, kobj *KnowledgeObject) (Result, bool) {
	for _, h := range p.table.For(phase, kobj.RID.Type()) {
		action, err := h.Fn(ctx, kobj)
		if err != nil {
			p.logger.Warn("processor: handler failed",
				slog.String("rid", kobj.RID.String()),
				slog.String("phase", phase.String()),
				slog.String("handler", h.Name),
				slog.String("error", err.Error()))
			if p.metrics != nil {
				p.metrics.HandlerErrors.WithLabelValues(string(kobj.RID.Type())).Inc()
			}
			return Result{Phase: phase, Err: err}, true
		}
		if action == Halt {
			p.logger.Debug("processor: halted by handler",
				slog.String("rid", kobj.RID.String()),
				slog.String("phase", phase.String()),
				slog.String("handler", h.Name))
			return Result{Phase: phase}, true
		}
	}
	return Result{}, false
}

// fetchInto fills kobj with a bundle fetched from the network. It is the
// only place the pipeline reaches out for contents.
func (p *Processor) fetchInto(ctx context.Context, kobj *KnowledgeObject) error {
	if p.fetcher == nil {
		p.countFetchFailure()
		return fmt.Errorf("processor: fetch %s: no fetcher: %w", kobj.RID, apperr.ErrFetchFailure)
	}
	b, err := p.fetcher.FetchBundle(ctx, kobj.RID, kobj.FromPeer)
	if err != nil {
		p.countFetchFailure()
		return fmt.Errorf("processor: fetch %s: %w", kobj.RID, err)
	}
	if b.RID() != kobj.RID {
		p.countFetchFailure()
		return fmt.Errorf("processor: fetch %s: got %s: %w", kobj.RID, b.RID(), apperr.ErrFetchFailure)
	}
	m := b.Manifest
	kobj.Manifest = &m
	kobj.Contents = b.Contents
	return nil
}

func (p *Processor) observe(o classifier.Outcome, t rid.Type) {
	if p.metrics != nil {
		p.metrics.Classified.WithLabelValues(string(o), string(t)).Inc()
	}
}

func (p *Processor) countFetchFailure() {
	if p.metrics != nil {
		p.metrics.FetchFailures.Inc()
	}
}

func excludePeer(targets []rid.RID, peer rid.RID) []rid.RID {
	out := make([]rid.RID, 0, len(targets))
	seen := make(map[rid.RID]struct{}, len(targets))
	for _, t := range targets {
		if t == peer {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
