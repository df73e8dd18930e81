package osfapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"preprint-harvester/config"
)

// filterTimeLayout ist das zonenlose Format, das der date_modified-Filter der
// OSF API erwartet. Subsekunden führen upstream zu 403-Fehlern.
const filterTimeLayout = "2006-01-02T15:04:05"

// Client kapselt die Interaktion mit dem paginierten Preprints-Endpunkt.
type Client struct {
	Config     *config.Config
	Logger     *zap.Logger
	httpClient *http.Client
}

// NewClient erstellt einen neuen OSF API Client.
func NewClient(cfg *config.Config, logger *zap.Logger) *Client {
	return &Client{
		Config:     cfg,
		Logger:     logger,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// BuildURL baut die Abfrage-URL: aufsteigend nach date_modified sortiert,
// gefiltert auf Dokumente, die strikt nach from geändert wurden.
func (c *Client) BuildURL(from time.Time) string {
	params := url.Values{}
	params.Set("sort", "date_modified")
	params.Set("filter[provider]", c.Config.OSFProvider)
	params.Set("filter[date_modified][gt]", from.UTC().Format(filterTimeLayout))
	params.Add("embed", "contributors")
	params.Add("embed", "license")
	params.Set("fields[licenses]", "name")
	params.Set("page[size]", fmt.Sprintf("%d", c.Config.OSFPageSize))
	return c.Config.OSFBaseURL + "?" + params.Encode()
}

// StatusError meldet einen nicht-2xx-Status der API.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("osf api returned status %d for %s", e.StatusCode, e.URL)
}

// IsNotFound prüft, ob err ein 404 der API ist.
func IsNotFound(err error) bool {
	se, ok := err.(*StatusError)
	return ok && se.StatusCode == http.StatusNotFound
}

// FetchPage holt eine Ergebnisseite. Die Dokumente werden dekodiert, die
// Originalbytes bleiben aber für die Raw-Ablage erhalten.
func (c *Client) FetchPage(ctx context.Context, pageURL string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.api+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: pageURL}
	}

	var body struct {
		Data  []json.RawMessage `json:"data"`
		Links struct {
			Next string `json:"next"`
		} `json:"links"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding page: %w", err)
	}

	page := &Page{Next: body.Links.Next}
	for _, raw := range body.Data {
		var doc Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			c.Logger.Warn("Skipping undecodable document on page", zap.Error(err))
			continue
		}
		page.Documents = append(page.Documents, RawDocument{Document: doc, Raw: raw})
	}
	return page, nil
}
