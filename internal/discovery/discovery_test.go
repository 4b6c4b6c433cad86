package discovery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/koinet-node/internal/apperr"
	"github.com/starford/koinet-node/internal/models"
	"github.com/starford/koinet-node/internal/rid"
)

var (
	self      = rid.New(rid.KoiNetNode, "processor")
	coord     = rid.New(rid.KoiNetNode, "coordinator")
	sensor    = rid.New(rid.KoiNetNode, "hackmd-sensor")
	otherNode = rid.New(rid.KoiNetNode, "github-sensor")
	known     = rid.New(rid.KoiNetNode, "known")
)

type fakeFetcher struct {
	rids  []rid.RID
	err   error
	calls int
}

func (f *fakeFetcher) FetchIdentifiers(_ context.Context, _ rid.RID, types []rid.Type) ([]rid.RID, error) {
	f.calls++
	if len(types) != 1 || types[0] != rid.KoiNetNode {
		return nil, errors.New("unexpected types")
	}
	return f.rids, f.err
}

type fakeCache map[rid.RID]bool

func (c fakeCache) Exists(r rid.RID) (bool, error) { return c[r], nil }

type fakeSink struct {
	edges     []models.Edge
	edgeRIDs  []rid.RID
	submitted []rid.RID
	from      []rid.RID
}

func (s *fakeSink) DeclareEdge(_ context.Context, b *models.Bundle) error {
	var e models.Edge
	if err := b.Decode(&e); err != nil {
		return err
	}
	s.edges = append(s.edges, e)
	s.edgeRIDs = append(s.edgeRIDs, b.RID())
	return nil
}

func (s *fakeSink) SubmitExternal(r rid.RID, peer rid.RID) {
	s.submitted = append(s.submitted, r)
	s.from = append(s.from, peer)
}

func coordinatorProfile() models.NodeProfile {
	return models.NodeProfile{
		BaseURL:  "http://127.0.0.1:8080/koi-net",
		NodeType: models.NodeTypeFull,
		Provides: models.NodeProvides{Event: []rid.Type{rid.KoiNetNode, rid.KoiNetEdge}, State: []rid.Type{rid.KoiNetNode}},
	}
}

func sensorProfile() models.NodeProfile {
	return models.NodeProfile{
		BaseURL:  "http://127.0.0.1:8001/koi-net",
		NodeType: models.NodeTypeFull,
		Provides: models.NodeProvides{Event: []rid.Type{rid.HackMDNote}, State: []rid.Type{rid.HackMDNote}},
	}
}

func newHandshake(f *fakeFetcher, c fakeCache, s *fakeSink) *Handshake {
	return New(Self{RID: self, NodeType: models.NodeTypeFull, Wants: []rid.Type{rid.HackMDNote}}, f, c, s, nil)
}

func TestDirectoryHandshake(t *testing.T) {
	f := &fakeFetcher{rids: []rid.RID{self, known, sensor, otherNode}}
	sink := &fakeSink{}
	h := newHandshake(f, fakeCache{known: true}, sink)

	rep, err := h.Observe(context.Background(), coord, coordinatorProfile(), models.EventNew, "h1")
	require.NoError(t, err)

	assert.Equal(t, Done, rep.State)
	require.Len(t, sink.edges, 1)
	assert.Equal(t, models.Edge{
		Source:   coord,
		Target:   self,
		EdgeType: models.EdgeWebhook,
		Status:   models.EdgeProposed,
		RIDTypes: []rid.Type{rid.KoiNetNode},
	}, sink.edges[0])
	assert.Equal(t, models.EdgeRID(coord, self), sink.edgeRIDs[0])

	assert.Equal(t, []rid.RID{sensor, otherNode}, sink.submitted, "self and cached RIDs are skipped")
	assert.Equal(t, []rid.RID{coord, coord}, sink.from)

	st, ok := h.State(coord)
	require.True(t, ok)
	assert.Equal(t, Done, st)
}

func TestProviderHandshakeRequestsWantedTypes(t *testing.T) {
	f := &fakeFetcher{}
	sink := &fakeSink{}
	h := newHandshake(f, fakeCache{}, sink)

	rep, err := h.Observe(context.Background(), sensor, sensorProfile(), models.EventNew, "h1")
	require.NoError(t, err)

	assert.Equal(t, Done, rep.State)
	require.Len(t, sink.edges, 1)
	assert.Equal(t, []rid.Type{rid.HackMDNote}, sink.edges[0].RIDTypes)
	assert.Zero(t, f.calls, "non-directory peers are not synced")
}

func TestPartialNodeProposesPollEdge(t *testing.T) {
	sink := &fakeSink{}
	h := New(Self{RID: self, NodeType: models.NodeTypePartial, Wants: []rid.Type{rid.HackMDNote}}, &fakeFetcher{}, fakeCache{}, sink, nil)

	_, err := h.Observe(context.Background(), sensor, sensorProfile(), models.EventNew, "h1")
	require.NoError(t, err)
	require.Len(t, sink.edges, 1)
	assert.Equal(t, models.EdgePoll, sink.edges[0].EdgeType)
}

func TestNoEdgeWhenNothingWanted(t *testing.T) {
	sink := &fakeSink{}
	h := newHandshake(&fakeFetcher{}, fakeCache{}, sink)

	profile := models.NodeProfile{
		BaseURL:  "http://127.0.0.1:8002/koi-net",
		NodeType: models.NodeTypeFull,
		Provides: models.NodeProvides{Event: []rid.Type{rid.GithubCommit}},
	}
	rep, err := h.Observe(context.Background(), otherNode, profile, models.EventNew, "h1")
	require.NoError(t, err)
	assert.Empty(t, sink.edges)
	assert.Equal(t, Done, rep.State)
}

func TestSensorFilter(t *testing.T) {
	sink := &fakeSink{}
	h := New(Self{RID: self, NodeType: models.NodeTypeFull, Wants: []rid.Type{rid.HackMDNote}, SensorRID: otherNode},
		&fakeFetcher{}, fakeCache{}, sink, nil)

	_, err := h.Observe(context.Background(), sensor, sensorProfile(), models.EventNew, "h1")
	require.NoError(t, err)
	assert.Empty(t, sink.edges, "only the configured sensor is subscribed to")
}

func TestSingleFire(t *testing.T) {
	sink := &fakeSink{}
	h := newHandshake(&fakeFetcher{}, fakeCache{}, sink)
	ctx := context.Background()

	_, err := h.Observe(ctx, sensor, sensorProfile(), models.EventNew, "h1")
	require.NoError(t, err)
	rep, err := h.Observe(ctx, sensor, sensorProfile(), models.EventNew, "h1")
	require.NoError(t, err)

	assert.True(t, rep.Ignored)
	assert.Len(t, sink.edges, 1)

	// A distinct observation re-enters the handshake.
	_, err = h.Observe(ctx, sensor, sensorProfile(), models.EventNew, "h2")
	require.NoError(t, err)
	assert.Len(t, sink.edges, 2)
}

func TestForgetResetsState(t *testing.T) {
	sink := &fakeSink{}
	h := newHandshake(&fakeFetcher{}, fakeCache{}, sink)
	ctx := context.Background()

	_, _ = h.Observe(ctx, sensor, sensorProfile(), models.EventNew, "h1")
	h.Forget(sensor)
	_, ok := h.State(sensor)
	assert.False(t, ok)

	_, _ = h.Observe(ctx, sensor, sensorProfile(), models.EventNew, "h1")
	assert.Len(t, sink.edges, 2)
}

func TestNonNewIgnored(t *testing.T) {
	sink := &fakeSink{}
	h := newHandshake(&fakeFetcher{}, fakeCache{}, sink)

	for _, kind := range []models.EventType{models.EventUpdate, models.EventForget} {
		rep, err := h.Observe(context.Background(), sensor, sensorProfile(), kind, "h1")
		require.NoError(t, err)
		assert.True(t, rep.Ignored)
	}
	assert.Empty(t, sink.edges)
	_, ok := h.State(sensor)
	assert.False(t, ok, "no state transition for non-NEW events")
}

func TestSelfIgnored(t *testing.T) {
	sink := &fakeSink{}
	h := newHandshake(&fakeFetcher{}, fakeCache{}, sink)
	rep, err := h.Observe(context.Background(), self, coordinatorProfile(), models.EventNew, "h1")
	require.NoError(t, err)
	assert.True(t, rep.Ignored)
	assert.Empty(t, sink.edges)
}

func TestInvalidProfile(t *testing.T) {
	sink := &fakeSink{}
	h := newHandshake(&fakeFetcher{}, fakeCache{}, sink)

	_, err := h.Observe(context.Background(), sensor, models.NodeProfile{NodeType: models.NodeTypeFull}, models.EventNew, "h1")
	assert.ErrorIs(t, err, apperr.ErrValidationFailure)
	assert.Empty(t, sink.edges)
}

func TestFetchFailureKeepsProposedEdge(t *testing.T) {
	f := &fakeFetcher{err: apperr.ErrFetchFailure}
	sink := &fakeSink{}
	h := newHandshake(f, fakeCache{}, sink)

	rep, err := h.Observe(context.Background(), coord, coordinatorProfile(), models.EventNew, "h1")
	require.NoError(t, err)
	assert.Equal(t, Done, rep.State)
	assert.Len(t, sink.edges, 1)
	assert.Empty(t, sink.submitted)
	assert.Equal(t, 1, f.calls, "no retry")
}
