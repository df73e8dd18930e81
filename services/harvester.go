package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"preprint-harvester/config"
	"preprint-harvester/models"
	"preprint-harvester/osfapi"
)

// Harvester zieht Preprints seitenweise von der OSF API und legt sie als
// Raw-Payloads ab. Der Wiederaufsetzpunkt wird aus der raw-Tabelle
// abgeleitet, nie separat als Wahrheit gepflegt.
type Harvester struct {
	Config   *config.Config
	DB       *gorm.DB
	Client   *osfapi.Client
	Payloads PayloadSink
	Logger   *zap.Logger
}

// PayloadSink ist die schmale Sicht des Harvesters auf den Payload-Store.
type PayloadSink interface {
	Inline() bool
	Put(ctx context.Context, preprintID string, data []byte) (string, error)
}

// NewHarvester erstellt einen neuen Harvester.
func NewHarvester(cfg *config.Config, db *gorm.DB, client *osfapi.Client, payloads PayloadSink, logger *zap.Logger) *Harvester {
	return &Harvester{Config: cfg, DB: db, Client: client, Payloads: payloads, Logger: logger}
}

// ResumePoint liefert das höchste date_modified der raw-Tabelle oder den
// konfigurierten Epochen-Start, wenn noch nichts geerntet wurde.
func (h *Harvester) ResumePoint() (time.Time, error) {
	var raw models.RawPreprint
	err := h.DB.Order("date_modified DESC").Limit(1).Find(&raw).Error
	if err != nil {
		return time.Time{}, fmt.Errorf("querying resume point: %w", err)
	}
	if raw.ID == "" {
		return h.Config.EpochFloor(), nil
	}
	return raw.DateModified, nil
}

// Harvest paginiert ab dem Wiederaufsetzpunkt aufsteigend nach date_modified
// und speichert jedes Dokument per Upsert. Bereits bekannte IDs werden
// bewusst erneut geschrieben, weil sich Payloads zwischen Fetches ändern
// können. Zurückgegeben wird die Zahl erfolgreich gespeicherter Dokumente.
func (h *Harvester) Harvest(ctx context.Context, limit int) (int, error) {
	from, err := h.ResumePoint()
	if err != nil {
		return 0, err
	}

	log := h.Logger.With(zap.Time("resume_point", from))
	log.Info("Starting harvest", zap.Int("limit", limit))

	url := h.Client.BuildURL(from)
	processed := 0
	saved := 0

	for url != "" && (limit <= 0 || processed < limit) {
		if err := ctx.Err(); err != nil {
			return saved, err
		}

		page, err := h.Client.FetchPage(ctx, url)
		if err != nil {
			// Der date_modified-Filter der API liefert für manche Werte ein
			// 404; eine um sechs Stunden zurückgesetzte Untergrenze umgeht das.
			if osfapi.IsNotFound(err) {
				from = from.Add(-6 * time.Hour)
				url = h.Client.BuildURL(from)
				log.Warn("Filter value rejected with 404, stepping back six hours",
					zap.Time("new_from", from))
				continue
			}
			log.Error("Page fetch failed, retrying same URL after backoff", zap.Error(err))
			h.sleep(ctx, h.Config.RequestDelay*5)
			continue
		}

		var lastSaved time.Time
		for _, doc := range page.Documents {
			processed++
			if h.savePreprint(ctx, doc) {
				saved++
				lastSaved = doc.Attributes.DateModified.Time
			}
			if limit > 0 && processed >= limit {
				break
			}
		}

		// Den Filter der Folgeseite aus dem zuletzt gespeicherten Zeitstempel
		// neu aufbauen statt blind dem next-Link zu folgen: der Upstream-Cursor
		// ist selbst zeitstempelbasiert und kann Dokumente verschieben.
		if page.Next != "" && !lastSaved.IsZero() {
			from = lastSaved
			url = h.Client.BuildURL(from)
		} else {
			url = page.Next
		}

		if url != "" {
			h.sleep(ctx, h.Config.RequestDelay)
		}
	}

	log.Info("Harvest complete", zap.Int("processed", processed), zap.Int("saved", saved))
	return saved, nil
}

// HarvestRange erntet ein begrenztes Zeitfenster, etwa beim Füllen einer
// Lücke. Die Obergrenze wird lokal durchgesetzt: sobald ein Dokument hinter
// end liegt, stoppt der Lauf, unabhängig vom next-Link der API.
func (h *Harvester) HarvestRange(ctx context.Context, start, end time.Time) (int, error) {
	log := h.Logger.With(zap.Time("start", start), zap.Time("end", end))
	log.Info("Harvesting bounded range")

	url := h.Client.BuildURL(start)
	saved := 0

	for url != "" {
		if err := ctx.Err(); err != nil {
			return saved, err
		}

		page, err := h.Client.FetchPage(ctx, url)
		if err != nil {
			log.Error("Range fetch failed", zap.Error(err))
			return saved, err
		}

		for _, doc := range page.Documents {
			ts := doc.Attributes.DateModified.Time
			if ts.After(end) {
				log.Info("Reached end of range", zap.Time("document_modified", ts))
				return saved, nil
			}
			if h.savePreprint(ctx, doc) {
				saved++
			}
		}

		url = page.Next
		if url != "" {
			h.sleep(ctx, h.Config.RequestDelay)
		}
	}
	return saved, nil
}

// EstimateRange zählt auf der ersten Ergebnisseite die Dokumente im Fenster
// [start, end]. Eine Näherung für den Dry-Run, keine vollständige Zählung.
func (h *Harvester) EstimateRange(ctx context.Context, start, end time.Time) (int, error) {
	page, err := h.Client.FetchPage(ctx, h.Client.BuildURL(start))
	if err != nil {
		return 0, err
	}
	count := 0
	for _, doc := range page.Documents {
		ts := doc.Attributes.DateModified.Time
		if !ts.Before(start) && !ts.After(end) {
			count++
		}
	}
	return count, nil
}

// savePreprint schreibt ein Dokument per Upsert in die raw-Tabelle. Ein
// erneuter Fetch derselben ID erneuert Payload und fetched_at, die ID-Menge
// bleibt unverändert.
func (h *Harvester) savePreprint(ctx context.Context, doc osfapi.RawDocument) bool {
	if doc.ID == "" {
		h.Logger.Warn("Document without id, skipping")
		return false
	}

	rec := models.RawPreprint{
		ID:           doc.ID,
		DateCreated:  doc.Attributes.DateCreated.Time,
		DateModified: doc.Attributes.DateModified.Time,
		FetchedAt:    time.Now().UTC(),
	}

	if h.Payloads.Inline() {
		rec.Payload = datatypes.JSON(doc.Raw)
	} else {
		key, err := h.Payloads.Put(ctx, doc.ID, doc.Raw)
		if err != nil {
			h.Logger.Error("Payload upload failed", zap.String("preprint_id", doc.ID), zap.Error(err))
			return false
		}
		rec.PayloadKey = key
	}

	err := h.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&rec).Error
	if err != nil {
		h.Logger.Error("Saving raw preprint failed", zap.String("preprint_id", doc.ID), zap.Error(err))
		return false
	}
	return true
}

// sleep wartet die Dauer ab, bricht aber sofort ab, wenn der Kontext endet.
func (h *Harvester) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
