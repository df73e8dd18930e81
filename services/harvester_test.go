package services

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"preprint-harvester/config"
	"preprint-harvester/models"
	"preprint-harvester/osfapi"
	"preprint-harvester/storage"
)

type fakeDoc struct {
	id       string
	modified time.Time
}

func renderDoc(d fakeDoc) string {
	return fmt.Sprintf(`{"id": %q, "attributes": {"title": "Doc %s", "date_created": %q, "date_modified": %q}}`,
		d.id, d.id,
		d.modified.Add(-time.Hour).Format(time.RFC3339),
		d.modified.Format(time.RFC3339))
}

// newOSFServer simuliert den paginierten Preprints-Endpunkt: er filtert die
// Dokumentliste nach dem gt-Parameter und liefert Seiten in pageSize-Stücken.
// hook darf eine Anfrage abfangen, etwa um Fehler zu injizieren.
func newOSFServer(t *testing.T, docs []fakeDoc, pageSize int, hook func(w http.ResponseWriter, r *http.Request) bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hook != nil && hook(w, r) {
			return
		}

		gt := r.URL.Query().Get("filter[date_modified][gt]")
		from, err := time.Parse("2006-01-02T15:04:05", gt)
		if err != nil {
			http.Error(w, "bad filter", http.StatusBadRequest)
			return
		}

		var in []fakeDoc
		for _, d := range docs {
			if d.modified.After(from) {
				in = append(in, d)
			}
		}

		page := in
		next := ""
		if len(in) > pageSize {
			page = in[:pageSize]
			params := url.Values{}
			params.Set("filter[date_modified][gt]", page[len(page)-1].modified.UTC().Format("2006-01-02T15:04:05"))
			next = "http://" + r.Host + r.URL.Path + "?" + params.Encode()
		}

		body := `{"data": [`
		for i, d := range page {
			if i > 0 {
				body += ","
			}
			body += renderDoc(d)
		}
		body += `], "links": {"next": ` + fmt.Sprintf("%q", next) + `}}`

		w.Header().Set("Content-Type", "application/vnd.api+json")
		fmt.Fprint(w, body)
	}))
}

func newTestHarvester(t *testing.T, baseURL string) *Harvester {
	t.Helper()
	db := newTestDB(t)
	cfg := &config.Config{
		OSFBaseURL:     baseURL,
		OSFProvider:    "psyarxiv",
		OSFPageSize:    2,
		OSFEpochFloor:  "2024-01-01T00:00:00",
		RequestTimeout: 5 * time.Second,
		RequestDelay:   0,
	}
	client := osfapi.NewClient(cfg, zap.NewNop())
	return NewHarvester(cfg, db, client, &storage.PayloadStore{Mode: "db"}, zap.NewNop())
}

func rawCount(t *testing.T, h *Harvester) int64 {
	t.Helper()
	var count int64
	require.NoError(t, h.DB.Model(&models.RawPreprint{}).Count(&count).Error)
	return count
}

func TestHarvestPaginatesAndResumes(t *testing.T) {
	docs := []fakeDoc{
		{"doc1", time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)},
		{"doc2", time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC)},
		{"doc3", time.Date(2024, 1, 4, 10, 0, 0, 0, time.UTC)},
	}
	srv := newOSFServer(t, docs, 2, nil)
	defer srv.Close()

	h := newTestHarvester(t, srv.URL+"/v2/preprints/")

	saved, err := h.Harvest(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 3, saved)
	assert.EqualValues(t, 3, rawCount(t, h))

	resume, err := h.ResumePoint()
	require.NoError(t, err)
	assert.WithinDuration(t, docs[2].modified, resume, time.Second)

	// Der zweite Lauf setzt hinter dem letzten Dokument auf und findet
	// nichts Neues; der ID-Bestand bleibt stabil.
	saved, err = h.Harvest(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, saved)
	assert.EqualValues(t, 3, rawCount(t, h))
}

func TestHarvestStoresPayloadInline(t *testing.T) {
	docs := []fakeDoc{{"doc1", time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)}}
	srv := newOSFServer(t, docs, 2, nil)
	defer srv.Close()

	h := newTestHarvester(t, srv.URL+"/v2/preprints/")
	_, err := h.Harvest(context.Background(), 0)
	require.NoError(t, err)

	var raw models.RawPreprint
	require.NoError(t, h.DB.First(&raw, "id = ?", "doc1").Error)
	assert.NotEmpty(t, raw.Payload)
	assert.Empty(t, raw.PayloadKey)
	assert.False(t, raw.FetchedAt.IsZero())

	doc, err := osfapi.ParseDocument(raw.Payload)
	require.NoError(t, err)
	assert.Equal(t, "Doc doc1", doc.Attributes.Title)
}

func TestHarvestHonorsLimit(t *testing.T) {
	docs := []fakeDoc{
		{"doc1", time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)},
		{"doc2", time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC)},
		{"doc3", time.Date(2024, 1, 4, 10, 0, 0, 0, time.UTC)},
	}
	srv := newOSFServer(t, docs, 2, nil)
	defer srv.Close()

	h := newTestHarvester(t, srv.URL+"/v2/preprints/")
	saved, err := h.Harvest(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, saved)
	assert.EqualValues(t, 1, rawCount(t, h))
}

func TestHarvestStepsBackOnNotFound(t *testing.T) {
	seeded := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	docs := []fakeDoc{{"late1", seeded.Add(time.Hour)}}

	// Der exakte Wasserstand wird upstream abgelehnt; erst die um sechs
	// Stunden zurückgesetzte Untergrenze liefert eine Seite.
	rejected := seeded.Format("2006-01-02T15:04:05")
	var notFounds int32
	srv := newOSFServer(t, docs, 2, func(w http.ResponseWriter, r *http.Request) bool {
		if r.URL.Query().Get("filter[date_modified][gt]") == rejected {
			atomic.AddInt32(&notFounds, 1)
			http.NotFound(w, r)
			return true
		}
		return false
	})
	defer srv.Close()

	h := newTestHarvester(t, srv.URL+"/v2/preprints/")
	require.NoError(t, h.DB.Create(&models.RawPreprint{
		ID: "seed1", DateModified: seeded, FetchedAt: time.Now().UTC(),
	}).Error)

	saved, err := h.Harvest(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, saved)
	assert.EqualValues(t, 1, atomic.LoadInt32(&notFounds))
	assert.EqualValues(t, 2, rawCount(t, h))
}

func TestHarvestRetriesTransientErrors(t *testing.T) {
	docs := []fakeDoc{{"doc1", time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)}}
	var calls int32
	srv := newOSFServer(t, docs, 2, func(w http.ResponseWriter, r *http.Request) bool {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "upstream hiccup", http.StatusInternalServerError)
			return true
		}
		return false
	})
	defer srv.Close()

	h := newTestHarvester(t, srv.URL+"/v2/preprints/")
	saved, err := h.Harvest(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, saved)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}

func TestHarvestRangeStopsAtEnd(t *testing.T) {
	docs := []fakeDoc{
		{"doc1", time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)},
		{"doc2", time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC)},
		{"doc3", time.Date(2024, 1, 10, 10, 0, 0, 0, time.UTC)},
	}
	srv := newOSFServer(t, docs, 2, nil)
	defer srv.Close()

	h := newTestHarvester(t, srv.URL+"/v2/preprints/")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)

	saved, err := h.HarvestRange(context.Background(), start, end)
	require.NoError(t, err)
	assert.Equal(t, 2, saved)
	assert.EqualValues(t, 2, rawCount(t, h))
}
