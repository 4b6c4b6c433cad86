package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/starford/koinet-node/internal/apperr"
	"github.com/starford/koinet-node/internal/metrics"
	"github.com/starford/koinet-node/internal/models"
	"github.com/starford/koinet-node/internal/rid"
)

// Polled is a batch of events drained from one upstream peer.
// Peer is empty when the upstream is only known by URL.
type Polled struct {
	Peer   rid.RID
	URL    string
	Events []models.Event
}

// Network routes requests to peers resolved from the cache.
type Network struct {
	self         rid.RID
	firstContact string
	client       *Client
	graph        *Graph
	outbox       *Outbox
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// Config holds the addressing a Network needs.
type Config struct {
	Self rid.RID
	// FirstContact is the base URL of a bootstrap peer, tried last when
	// fetching bundles and polled by partial nodes.
	FirstContact string
}

// New creates a Network. logger and m may be nil.
func New(cfg Config, store Store, client *Client, logger *slog.Logger, m *metrics.Metrics) *Network {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Network{
		self:         cfg.Self,
		firstContact: cfg.FirstContact,
		client:       client,
		graph:        NewGraph(store, cfg.Self),
		outbox:       NewOutbox(),
		logger:       logger,
		metrics:      m,
	}
}

// Graph returns the topology view.
func (n *Network) Graph() *Graph { return n.graph }

// Outbox returns the poll queues served to partial peers.
func (n *Network) Outbox() *Outbox { return n.outbox }

// Client returns the protocol client.
func (n *Network) Client() *Client { return n.client }

// FirstContact returns the bootstrap peer URL, if any.
func (n *Network) FirstContact() string { return n.firstContact }

// baseURL returns the URL of a FULL peer.
func (n *Network) baseURL(peer rid.RID) (string, error) {
	p, err := n.graph.Profile(peer)
	if err != nil {
		return "", fmt.Errorf("network: resolve %s: %w", peer, err)
	}
	if p.NodeType != models.NodeTypeFull || p.BaseURL == "" {
		return "", fmt.Errorf("network: %s is not reachable: %w", peer, apperr.ErrFetchFailure)
	}
	return p.BaseURL, nil
}

// FetchIdentifiers lists peer's RIDs of the given types.
func (n *Network) FetchIdentifiers(ctx context.Context, peer rid.RID, types []rid.Type) ([]rid.RID, error) {
	url, err := n.baseURL(peer)
	if err != nil {
		return nil, err
	}
	return n.client.FetchRIDs(ctx, url, types)
}

// FetchBundle retrieves r from the announcing peer, then from known
// providers of its type, then from the first contact.
func (n *Network) FetchBundle(ctx context.Context, r rid.RID, from rid.RID) (*models.Bundle, error) {
	var urls []string
	seen := make(map[string]struct{})
	add := func(u string) {
		if u == "" {
			return
		}
		if _, dup := seen[u]; dup {
			return
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}

	if from != "" {
		if u, err := n.baseURL(from); err == nil {
			add(u)
		}
	}
	if providers, err := n.graph.Providers(r.Type()); err == nil {
		for _, p := range providers {
			if u, err := n.baseURL(p); err == nil {
				add(u)
			}
		}
	}
	add(n.firstContact)

	if len(urls) == 0 {
		return nil, fmt.Errorf("network: fetch %s: no reachable peer: %w", r, apperr.ErrFetchFailure)
	}

	var errs []error
	for _, u := range urls {
		payload, err := n.client.FetchBundles(ctx, u, []rid.RID{r})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for i := range payload.Bundles {
			if payload.Bundles[i].RID() == r {
				return &payload.Bundles[i], nil
			}
		}
		errs = append(errs, fmt.Errorf("network: %s: %s not found", u, r))
	}
	return nil, fmt.Errorf("network: fetch %s: %w: %w", r, apperr.ErrFetchFailure, errors.Join(errs...))
}

// Deliver sends ev to every target: pushed to FULL peers, queued for
// PARTIAL ones. Failures are logged and dropped.
func (n *Network) Deliver(ctx context.Context, ev models.Event, targets []rid.RID) {
	for _, peer := range targets {
		if peer == n.self {
			continue
		}
		log := n.logger.With(slog.String("peer", peer.String()), slog.String("rid", ev.RID.String()))
		p, err := n.graph.Profile(peer)
		if err != nil {
			log.Warn("network: unknown delivery target", slog.String("error", err.Error()))
			n.countDelivery(metrics.ModeWebhook, metrics.ResultError)
			continue
		}
		if p.NodeType == models.NodeTypeFull && p.BaseURL != "" {
			if err := n.client.BroadcastEvents(ctx, p.BaseURL, []models.Event{ev}); err != nil {
				log.Warn("network: broadcast failed", slog.String("error", err.Error()))
				n.countDelivery(metrics.ModeWebhook, metrics.ResultError)
				continue
			}
			log.Debug("network: event pushed", slog.String("event_type", string(ev.EventType)))
			n.countDelivery(metrics.ModeWebhook, metrics.ResultOK)
			continue
		}
		n.outbox.Push(peer, ev)
		log.Debug("network: event queued for polling", slog.String("event_type", string(ev.EventType)))
		n.countDelivery(metrics.ModePoll, metrics.ResultOK)
	}
}

// Poll drains events queued for this node at each upstream: the first
// contact and every FULL peer with an edge towards this node.
func (n *Network) Poll(ctx context.Context, limit int) []Polled {
	type source struct {
		peer rid.RID
		url  string
	}
	var sources []source
	seen := make(map[string]struct{})

	if n.firstContact != "" {
		peer, _ := n.graph.NodeByURL(n.firstContact)
		sources = append(sources, source{peer: peer, url: n.firstContact})
		seen[n.firstContact] = struct{}{}
	}
	if ups, err := n.graph.Upstreams(); err == nil {
		for _, p := range ups {
			u, err := n.baseURL(p)
			if err != nil {
				continue
			}
			if _, dup := seen[u]; dup {
				continue
			}
			seen[u] = struct{}{}
			sources = append(sources, source{peer: p, url: u})
		}
	}

	var out []Polled
	for _, s := range sources {
		events, err := n.client.PollEvents(ctx, s.url, n.self, limit)
		if err != nil {
			n.logger.Warn("network: poll failed", slog.String("url", s.url), slog.String("error", err.Error()))
			continue
		}
		if len(events) == 0 {
			continue
		}
		out = append(out, Polled{Peer: s.peer, URL: s.url, Events: events})
	}
	return out
}

func (n *Network) countDelivery(mode, result string) {
	if n.metrics != nil {
		n.metrics.Deliveries.WithLabelValues(mode, result).Inc()
	}
}
