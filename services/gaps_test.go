package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"preprint-harvester/models"
)

func seedRawStamp(t *testing.T, h *Harvester, id string, modified time.Time) {
	t.Helper()
	require.NoError(t, h.DB.Create(&models.RawPreprint{
		ID: id, DateModified: modified, FetchedAt: time.Now().UTC(),
	}).Error)
}

func TestDetectGaps(t *testing.T) {
	srv := newOSFServer(t, nil, 2, nil)
	defer srv.Close()
	h := newTestHarvester(t, srv.URL+"/v2/preprints/")
	g := NewGapService(h.DB, h, zap.NewNop())

	seedRawStamp(t, h, "a1", time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	seedRawStamp(t, h, "a2", time.Date(2024, 1, 1, 20, 0, 0, 0, time.UTC))
	seedRawStamp(t, h, "a3", time.Date(2024, 1, 5, 9, 0, 0, 0, time.UTC))

	gaps, err := g.DetectGaps(24)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.WithinDuration(t, time.Date(2024, 1, 1, 20, 0, 0, 0, time.UTC), gaps[0].Start, time.Second)
	assert.WithinDuration(t, time.Date(2024, 1, 5, 9, 0, 0, 0, time.UTC), gaps[0].End, time.Second)

	// Mit großzügigerer Schwelle verschwindet die Lücke.
	gaps, err = g.DetectGaps(24 * 7)
	require.NoError(t, err)
	assert.Empty(t, gaps)
}

func TestDetectGapsNeedsTwoStamps(t *testing.T) {
	srv := newOSFServer(t, nil, 2, nil)
	defer srv.Close()
	h := newTestHarvester(t, srv.URL+"/v2/preprints/")
	g := NewGapService(h.DB, h, zap.NewNop())

	gaps, err := g.DetectGaps(24)
	require.NoError(t, err)
	assert.Empty(t, gaps)

	seedRawStamp(t, h, "a1", time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	gaps, err = g.DetectGaps(24)
	require.NoError(t, err)
	assert.Empty(t, gaps)
}

func TestFillGapsConverges(t *testing.T) {
	// Die beiden fehlenden Tage liegen genau in der erkannten Lücke.
	docs := []fakeDoc{
		{"fill1", time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)},
		{"fill2", time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC)},
	}
	srv := newOSFServer(t, docs, 5, nil)
	defer srv.Close()
	h := newTestHarvester(t, srv.URL+"/v2/preprints/")
	g := NewGapService(h.DB, h, zap.NewNop())

	seedRawStamp(t, h, "edge1", time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	seedRawStamp(t, h, "edge2", time.Date(2024, 1, 4, 10, 0, 0, 0, time.UTC))

	gaps, err := g.DetectGaps(24)
	require.NoError(t, err)
	require.Len(t, gaps, 1)

	saved, err := g.FillGaps(context.Background(), gaps, false)
	require.NoError(t, err)
	assert.Equal(t, 2, saved)
	assert.EqualValues(t, 4, rawCount(t, h))

	// Danach ist der Zeitstrahl dicht: kein Abstand über 24 Stunden mehr.
	gaps, err = g.DetectGaps(24)
	require.NoError(t, err)
	assert.Empty(t, gaps)

	// Erneutes Füllen derselben Spanne frischt nur Upserts auf, der
	// ID-Bestand wächst nicht weiter.
	saved, err = g.FillGaps(context.Background(), []Gap{{
		Start: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 4, 10, 0, 0, 0, time.UTC),
	}}, false)
	require.NoError(t, err)
	assert.Equal(t, 2, saved)
	assert.EqualValues(t, 4, rawCount(t, h))
}

func TestFillGapsDryRunWritesNothing(t *testing.T) {
	docs := []fakeDoc{
		{"fill1", time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)},
		{"fill2", time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC)},
	}
	srv := newOSFServer(t, docs, 5, nil)
	defer srv.Close()
	h := newTestHarvester(t, srv.URL+"/v2/preprints/")
	g := NewGapService(h.DB, h, zap.NewNop())

	seedRawStamp(t, h, "edge1", time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	seedRawStamp(t, h, "edge2", time.Date(2024, 1, 4, 10, 0, 0, 0, time.UTC))

	gaps, err := g.DetectGaps(24)
	require.NoError(t, err)
	require.Len(t, gaps, 1)

	estimate, err := g.FillGaps(context.Background(), gaps, true)
	require.NoError(t, err)
	assert.Equal(t, 2, estimate)
	assert.EqualValues(t, 2, rawCount(t, h))
}
