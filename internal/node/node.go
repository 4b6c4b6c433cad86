// Package node assembles the pipeline of one mesh node: identity, object
// store, processor, handshake, peer transport and search index.
package node

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/starford/koinet-node/internal/discovery"
	"github.com/starford/koinet-node/internal/index"
	"github.com/starford/koinet-node/internal/metrics"
	"github.com/starford/koinet-node/internal/models"
	"github.com/starford/koinet-node/internal/network"
	"github.com/starford/koinet-node/internal/processor"
	"github.com/starford/koinet-node/internal/rid"
	"github.com/starford/koinet-node/internal/sse"
	"github.com/starford/koinet-node/internal/storage"
)

// Config describes the node's identity and role.
type Config struct {
	Name string
	// RID fixes the node identity. When empty one is generated from Name.
	RID          rid.RID
	NodeType     models.NodeType
	BaseURL      string
	FirstContact string
	Provides     models.NodeProvides
	Wants        []rid.Type
	SensorRID    rid.RID
	Workers      int
	// IndexTypes restricts indexing to these types. Empty indexes every
	// type with a known deriver.
	IndexTypes []rid.Type
	PollLimit  int
}

// Publisher receives accepted indexed records.
type Publisher interface {
	PublishRecord(rec sse.RecordEvent, updated bool)
}

// Option configures a Node.
type Option func(*Node)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(n *Node) { n.logger = l } }

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Metrics) Option { return func(n *Node) { n.metrics = m } }

// WithTracer sets the tracer passed to the processor.
func WithTracer(t trace.Tracer) Option { return func(n *Node) { n.tracer = t } }

// WithPublisher sets the receiver of record notifications.
func WithPublisher(p Publisher) Option { return func(n *Node) { n.publisher = p } }

// WithIndex replaces the search index.
func WithIndex(ix *index.Index) Option { return func(n *Node) { n.index = ix } }

// Node is one running mesh participant.
type Node struct {
	cfg       Config
	self      rid.RID
	store     storage.Provider
	net       *network.Network
	proc      *processor.Processor
	handshake *discovery.Handshake
	index     *index.Index
	publisher Publisher
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
	now       func() time.Time
}

// Identity returns configured when set, otherwise a fresh node RID for name.
func Identity(name string, configured rid.RID) rid.RID {
	if configured != "" {
		return configured
	}
	return rid.New(rid.KoiNetNode, name+"+"+uuid.NewString())
}

// New wires a node over store. client talks to peers.
func New(cfg Config, store storage.Provider, client *network.Client, opts ...Option) (*Node, error) {
	if cfg.NodeType == "" {
		cfg.NodeType = models.NodeTypeFull
	}
	if cfg.PollLimit <= 0 {
		cfg.PollLimit = 50
	}
	n := &Node{
		cfg:    cfg,
		self:   Identity(cfg.Name, cfg.RID),
		store:  store,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.self.Type() != rid.KoiNetNode {
		return nil, fmt.Errorf("node: identity %s is not a %s", n.self, rid.KoiNetNode)
	}
	if err := n.Profile().Validate(); err != nil {
		return nil, fmt.Errorf("node: own profile: %w", err)
	}
	if n.index == nil {
		derivers := index.DefaultDerivers()
		if len(cfg.IndexTypes) > 0 {
			derivers = derivers.Restrict(cfg.IndexTypes)
		}
		n.index = index.New(derivers)
	}
	n.logger = n.logger.With(slog.String("node", n.self.String()))

	n.net = network.New(network.Config{Self: n.self, FirstContact: cfg.FirstContact}, store, client, n.logger, n.metrics)

	n.handshake = discovery.New(discovery.Self{
		RID:       n.self,
		NodeType:  cfg.NodeType,
		Wants:     cfg.Wants,
		SensorRID: cfg.SensorRID,
	}, n.net, store, n, n.logger)

	popts := []processor.Option{
		processor.WithLogger(n.logger),
		processor.WithWorkers(cfg.Workers),
		processor.WithFetcher(n.net),
		processor.WithDeliverer(n.net),
	}
	if n.metrics != nil {
		popts = append(popts, processor.WithMetrics(n.metrics))
	}
	if n.tracer != nil {
		popts = append(popts, processor.WithTracer(n.tracer))
	}
	n.proc = processor.New(store, n.handlers(), popts...)
	return n, nil
}

// RID returns the node identity.
func (n *Node) RID() rid.RID { return n.self }

// Type returns the node type.
func (n *Node) Type() models.NodeType { return n.cfg.NodeType }

// Store returns the object store.
func (n *Node) Store() storage.Provider { return n.store }

// Network returns the peer transport.
func (n *Node) Network() *network.Network { return n.net }

// Index returns the search index.
func (n *Node) Index() *index.Index { return n.index }

// Handshake returns the discovery state table.
func (n *Node) Handshake() *discovery.Handshake { return n.handshake }

// Processor returns the knowledge pipeline.
func (n *Node) Processor() *processor.Processor { return n.proc }

// Profile returns the node's own capability profile.
func (n *Node) Profile() models.NodeProfile {
	return models.NodeProfile{
		BaseURL:  n.cfg.BaseURL,
		NodeType: n.cfg.NodeType,
		Provides: n.cfg.Provides,
	}
}

// ProfileBundle builds the bundle announcing this node.
func (n *Node) ProfileBundle() (*models.Bundle, error) {
	contents, err := models.ToContents(n.Profile())
	if err != nil {
		return nil, err
	}
	return models.GenerateBundle(n.self, contents, n.now())
}

// Start rebuilds the index from the cache and processes the node's own
// profile so peers can fetch it.
func (n *Node) Start(ctx context.Context) error {
	count, err := index.Rebuild(n.index, n.store, n.logger)
	if err != nil {
		return fmt.Errorf("node: rebuild index: %w", err)
	}
	n.setIndexed()
	n.logger.Info("node: index ready", slog.Int("records", count))

	b, err := n.ProfileBundle()
	if err != nil {
		return fmt.Errorf("node: profile bundle: %w", err)
	}
	res := n.proc.Process(ctx, processor.FromBundle(b, models.SourceLocal))
	if res.Err != nil {
		return fmt.Errorf("node: own profile: %w", res.Err)
	}
	n.logger.Info("node: started",
		slog.String("node_type", string(n.cfg.NodeType)),
		slog.String("profile", string(res.Outcome)))
	return nil
}

// Run drains the processing queues until ctx is cancelled. The first
// contact bootstrap runs once the workers are up.
func (n *Node) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.proc.Run(gCtx) })
	g.Go(func() error {
		n.Bootstrap(gCtx)
		return nil
	})
	return g.Wait()
}

// Submit queues kobj for processing.
func (n *Node) Submit(kobj *processor.KnowledgeObject) bool {
	return n.proc.Submit(kobj)
}

// DeclareEdge submits a proposed edge as a local knowledge object.
func (n *Node) DeclareEdge(_ context.Context, edge *models.Bundle) error {
	if !n.proc.Submit(processor.FromBundle(edge, models.SourceLocal)) {
		return fmt.Errorf("node: declare edge %s: processor stopped", edge.RID())
	}
	return nil
}

// SubmitExternal queues r to be fetched, preferably from peer.
func (n *Node) SubmitExternal(r rid.RID, peer rid.RID) {
	kobj := processor.FromRID(r, models.SourceExternal)
	kobj.FromPeer = peer
	n.proc.Submit(kobj)
}

func (n *Node) setIndexed() {
	if n.metrics == nil {
		return
	}
	_, records := n.index.Stats()
	n.metrics.IndexedRecords.Set(float64(records))
}
