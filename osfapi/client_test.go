package osfapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"preprint-harvester/config"
)

func testClient(baseURL string) *Client {
	return NewClient(&config.Config{
		OSFBaseURL:     baseURL,
		OSFProvider:    "psyarxiv",
		OSFPageSize:    50,
		RequestTimeout: 5 * time.Second,
	}, zap.NewNop())
}

func TestBuildURL(t *testing.T) {
	c := testClient("https://api.osf.io/v2/preprints/")
	from := time.Date(2024, 1, 2, 10, 0, 0, 500_000_000, time.UTC)

	parsed, err := url.Parse(c.BuildURL(from))
	require.NoError(t, err)
	q := parsed.Query()

	assert.Equal(t, "date_modified", q.Get("sort"))
	assert.Equal(t, "psyarxiv", q.Get("filter[provider]"))
	// Zonenlos und ohne Subsekunden, sonst lehnt die API den Filter ab.
	assert.Equal(t, "2024-01-02T10:00:00", q.Get("filter[date_modified][gt]"))
	assert.Equal(t, "50", q.Get("page[size]"))
	assert.ElementsMatch(t, []string{"contributors", "license"}, q["embed"])
	assert.Equal(t, "name", q.Get("fields[licenses]"))
}

func TestBuildURLNormalizesZone(t *testing.T) {
	c := testClient("https://api.osf.io/v2/preprints/")
	berlin := time.FixedZone("CET", 3600)
	from := time.Date(2024, 1, 2, 11, 0, 0, 0, berlin)

	parsed, err := url.Parse(c.BuildURL(from))
	require.NoError(t, err)
	assert.Equal(t, "2024-01-02T10:00:00", parsed.Query().Get("filter[date_modified][gt]"))
}

func TestFetchPageKeepsRawBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"data": [
				{"id": "doc1", "attributes": {"title": "First", "date_modified": "2024-01-02T10:00:00Z"}},
				{"id": "doc2", "attributes": {"title": "Second", "date_modified": "2024-01-03T10:00:00Z"}}
			],
			"links": {"next": "https://api.osf.io/v2/preprints/?page=2"}
		}`)
	}))
	defer srv.Close()

	c := testClient(srv.URL + "/")
	page, err := c.FetchPage(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	require.Len(t, page.Documents, 2)
	assert.Equal(t, "https://api.osf.io/v2/preprints/?page=2", page.Next)
	assert.Equal(t, "doc1", page.Documents[0].ID)
	assert.Contains(t, string(page.Documents[0].Raw), `"title": "First"`)
}

func TestFetchPageSkipsUndecodableDocuments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"data": [
				{"id": "doc1", "attributes": {"date_modified": "not a date"}},
				{"id": "doc2", "attributes": {"date_modified": "2024-01-03T10:00:00Z"}}
			],
			"links": {"next": ""}
		}`)
	}))
	defer srv.Close()

	c := testClient(srv.URL + "/")
	page, err := c.FetchPage(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	require.Len(t, page.Documents, 1)
	assert.Equal(t, "doc2", page.Documents[0].ID)
}

func TestFetchPageReportsStatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := testClient(srv.URL + "/")
	_, err := c.FetchPage(context.Background(), srv.URL+"/")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv2.Close()

	_, err = c.FetchPage(context.Background(), srv2.URL+"/")
	require.Error(t, err)
	assert.False(t, IsNotFound(err))
}
