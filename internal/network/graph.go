package network

import (
	"errors"
	"fmt"
	"sort"

	"github.com/starford/koinet-node/internal/apperr"
	"github.com/starford/koinet-node/internal/models"
	"github.com/starford/koinet-node/internal/rid"
)

// Store is the cache access needed to resolve peers and edges.
type Store interface {
	Read(r rid.RID) (*models.Bundle, error)
	List(types ...rid.Type) ([]rid.RID, error)
}

// Graph answers topology questions from the cached node and edge records.
type Graph struct {
	store Store
	self  rid.RID
}

// NewGraph creates a Graph for the node self.
func NewGraph(store Store, self rid.RID) *Graph {
	return &Graph{store: store, self: self}
}

// Profile returns the cached, validated profile of node.
func (g *Graph) Profile(node rid.RID) (models.NodeProfile, error) {
	var p models.NodeProfile
	b, err := g.store.Read(node)
	if err != nil {
		return p, err
	}
	if err := b.Decode(&p); err != nil {
		return p, fmt.Errorf("network: %s: %w: %v", node, apperr.ErrValidationFailure, err)
	}
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("network: %s: %w: %v", node, apperr.ErrValidationFailure, err)
	}
	return p, nil
}

// Edges returns every cached edge that decodes and validates.
func (g *Graph) Edges() ([]models.Edge, error) {
	rids, err := g.store.List(rid.KoiNetEdge)
	if err != nil {
		return nil, err
	}
	out := make([]models.Edge, 0, len(rids))
	for _, r := range rids {
		b, err := g.store.Read(r)
		if errors.Is(err, apperr.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var e models.Edge
		if err := b.Decode(&e); err != nil || e.Validate() != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Subscribers returns the peers that approved receiving records of type t from this node.
func (g *Graph) Subscribers(t rid.Type) ([]rid.RID, error) {
	return g.collect(func(e models.Edge) (rid.RID, bool) {
		return e.Target, e.Source == g.self && rid.Contains(e.RIDTypes, t)
	})
}

// Providers returns the peers delivering records of type t to this node.
func (g *Graph) Providers(t rid.Type) ([]rid.RID, error) {
	return g.collect(func(e models.Edge) (rid.RID, bool) {
		return e.Source, e.Target == g.self && rid.Contains(e.RIDTypes, t)
	})
}

// Upstreams returns every peer with an edge towards this node, approved
// or still proposed. Polling a proposed upstream is how a partial node
// receives the approval.
func (g *Graph) Upstreams() ([]rid.RID, error) {
	return g.collectAny(func(e models.Edge) (rid.RID, bool) {
		return e.Source, e.Target == g.self
	})
}

func (g *Graph) collect(match func(models.Edge) (rid.RID, bool)) ([]rid.RID, error) {
	return g.collectAny(func(e models.Edge) (rid.RID, bool) {
		if e.Status != models.EdgeApproved {
			return "", false
		}
		return match(e)
	})
}

func (g *Graph) collectAny(match func(models.Edge) (rid.RID, bool)) ([]rid.RID, error) {
	edges, err := g.Edges()
	if err != nil {
		return nil, err
	}
	seen := make(map[rid.RID]struct{})
	var out []rid.RID
	for _, e := range edges {
		peer, ok := match(e)
		if !ok {
			continue
		}
		if _, dup := seen[peer]; dup {
			continue
		}
		seen[peer] = struct{}{}
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// NodeByURL finds the cached node whose profile advertises baseURL.
func (g *Graph) NodeByURL(baseURL string) (rid.RID, bool) {
	rids, err := g.store.List(rid.KoiNetNode)
	if err != nil {
		return "", false
	}
	for _, r := range rids {
		p, err := g.Profile(r)
		if err == nil && p.BaseURL == baseURL {
			return r, true
		}
	}
	return "", false
}
