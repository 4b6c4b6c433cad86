package classifier

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/koinet-node/internal/apperr"
	"github.com/starford/koinet-node/internal/models"
	"github.com/starford/koinet-node/internal/rid"
)

var (
	n1 = rid.New(rid.HackMDNote, "n1")
	t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
)

func manifest(hashSeed string, ts int) models.Manifest {
	return models.Manifest{
		RID:        n1,
		Timestamp:  t0.Add(time.Duration(ts) * time.Second),
		SHA256Hash: strings.Repeat(hashSeed, 64),
	}
}

func TestClassify_NewWhenUncached(t *testing.T) {
	d, err := Classify(manifest("a", 10), nil)
	require.NoError(t, err)
	assert.Equal(t, Decision{Outcome: New}, d)
	assert.Equal(t, models.EventNew, d.EventType())
}

func TestClassify_UnchangedRegardlessOfTimestamp(t *testing.T) {
	cached := manifest("a", 10)
	for _, ts := range []int{5, 10, 20} {
		d, err := Classify(manifest("a", ts), &cached)
		require.NoError(t, err)
		assert.Equal(t, Unchanged, d.Outcome, "ts=%d", ts)
		assert.True(t, d.Halt)
	}
}

func TestClassify_StaleWhenNotNewer(t *testing.T) {
	cached := manifest("a", 10)
	for _, ts := range []int{5, 10} {
		d, err := Classify(manifest("b", ts), &cached)
		require.NoError(t, err)
		assert.Equal(t, Stale, d.Outcome, "ts=%d", ts)
		assert.True(t, d.Halt)
	}
}

func TestClassify_UpdateWhenNewerAndDifferent(t *testing.T) {
	cached := manifest("a", 10)
	d, err := Classify(manifest("b", 11), &cached)
	require.NoError(t, err)
	assert.Equal(t, Decision{Outcome: Update}, d)
	assert.Equal(t, models.EventUpdate, d.EventType())
}

func TestClassify_MalformedManifest(t *testing.T) {
	noHash := manifest("a", 10)
	noHash.SHA256Hash = ""
	_, err := Classify(noHash, nil)
	require.ErrorIs(t, err, apperr.ErrMalformedManifest)

	noTS := manifest("a", 0)
	noTS.Timestamp = time.Time{}
	_, err = Classify(noTS, nil)
	require.ErrorIs(t, err, apperr.ErrMalformedManifest)
}

func TestClassify_MonotonicAcceptance(t *testing.T) {
	var accepted *models.Manifest
	versions := []struct {
		m    models.Manifest
		want Outcome
	}{
		{manifest("a", 10), New},
		{manifest("b", 20), Update},
		{manifest("c", 15), Stale},
		{manifest("b", 5), Unchanged},
		{manifest("d", 21), Update},
	}
	for i, v := range versions {
		d, err := Classify(v.m, accepted)
		require.NoError(t, err)
		assert.Equal(t, v.want, d.Outcome, "version %d", i)
		if !d.Halt {
			m := v.m
			accepted = &m
		}
	}
	assert.Equal(t, manifest("d", 21), *accepted)
}
