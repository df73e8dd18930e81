package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"preprint-harvester/config"
	"preprint-harvester/models"
	"preprint-harvester/osfapi"
)

// IngestStats sind die Aggregatzähler eines Ingestion-Laufs. Fehler einzelner
// Datensätze brechen den Lauf nicht ab, sie landen nur in Errors.
type IngestStats struct {
	Processed int `json:"processed"`
	Success   int `json:"success"`
	Errors    int `json:"errors"`
}

// PayloadSource ist die schmale Sicht des Ingestors auf den Payload-Store.
type PayloadSource interface {
	Inline() bool
	Get(ctx context.Context, key string) ([]byte, error)
}

// Ingestor verarbeitet unverdaute Raw-Payloads in die normalisierten
// Tabellen: Elterndatensatz, Contributors, Subjects, Tags, Institutionen
// und die Join-Tabellen.
type Ingestor struct {
	Config     *config.Config
	DB         *gorm.DB
	Payloads   PayloadSource
	Reconciler *Reconciler
	View       *ViewBuilder
	Logger     *zap.Logger
}

// NewIngestor erstellt einen neuen Ingestor.
func NewIngestor(cfg *config.Config, db *gorm.DB, payloads PayloadSource, reconciler *Reconciler, view *ViewBuilder, logger *zap.Logger) *Ingestor {
	return &Ingestor{Config: cfg, DB: db, Payloads: payloads, Reconciler: reconciler, View: view, Logger: logger}
}

// pendingRawPreprints liefert die Raw-Zeilen ohne Gegenstück in der
// preprints-Tabelle (Anti-Join), aufsteigend nach date_modified, damit
// ältere Versionen vor neueren verarbeitet werden. Mit force werden alle
// Raw-Zeilen erneut verarbeitet.
func (i *Ingestor) pendingRawPreprints(limit int, force bool) ([]models.RawPreprint, error) {
	query := i.DB.Model(&models.RawPreprint{}).
		Order("raw_preprints.date_modified ASC")
	if !force {
		query = query.
			Joins("LEFT JOIN preprints ON preprints.id = raw_preprints.id").
			Where("preprints.id IS NULL")
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var pending []models.RawPreprint
	if err := query.Find(&pending).Error; err != nil {
		return nil, fmt.Errorf("querying pending raw preprints: %w", err)
	}
	return pending, nil
}

// ProcessAllPending verarbeitet alle unverdauten Raw-Zeilen. Committet wird
// periodisch statt pro Datensatz; ein Absturz verliert nur den
// uncommitteten Rest, der beim nächsten Lauf wieder als pending gilt.
// Nach mindestens einem Erfolg laufen Reconciler und View-Builder.
func (i *Ingestor) ProcessAllPending(ctx context.Context, limit int, force bool) (IngestStats, error) {
	var stats IngestStats

	pending, err := i.pendingRawPreprints(limit, force)
	if err != nil {
		return stats, err
	}
	if len(pending) == 0 {
		i.Logger.Info("No unprocessed preprints found")
		return stats, nil
	}
	i.Logger.Info("Processing preprints", zap.Int("total", len(pending)), zap.Int("limit", limit))

	batchSize := i.Config.IngestBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	tx := i.DB.Begin()
	if tx.Error != nil {
		return stats, fmt.Errorf("starting ingest transaction: %w", tx.Error)
	}

	for _, raw := range pending {
		if err := ctx.Err(); err != nil {
			tx.Rollback()
			return stats, err
		}

		stats.Processed++
		if err := i.processRawIsolated(ctx, tx, raw); err != nil {
			i.Logger.Error("Processing preprint failed",
				zap.String("preprint_id", raw.ID), zap.Error(err))
			stats.Errors++
		} else {
			stats.Success++
		}

		if stats.Processed%batchSize == 0 {
			if err := tx.Commit().Error; err != nil {
				return stats, fmt.Errorf("committing ingest batch: %w", err)
			}
			tx = i.DB.Begin()
			if tx.Error != nil {
				return stats, fmt.Errorf("starting ingest transaction: %w", tx.Error)
			}
		}
	}
	if err := tx.Commit().Error; err != nil {
		return stats, fmt.Errorf("committing final ingest batch: %w", err)
	}

	i.Logger.Info("Processing complete",
		zap.Int("success", stats.Success), zap.Int("errors", stats.Errors))

	if stats.Success > 0 {
		if _, _, err := i.Reconciler.Reconcile(); err != nil {
			i.Logger.Error("Version reconciliation after ingest failed", zap.Error(err))
		}
		if i.View != nil {
			if _, err := i.View.Rebuild(false, i.Config.ViewBatchSize); err != nil {
				i.Logger.Error("View refresh after ingest failed", zap.Error(err))
			}
		}
	}
	return stats, nil
}

// ingestRetries ist die Zahl der Versuche pro Datensatz bei Sperrkonflikten.
const ingestRetries = 3

// processRawIsolated führt processRaw in einem Savepoint aus. Postgres bricht
// nach einem fehlgeschlagenen Statement die ganze Transaktion ab; der
// Savepoint setzt nur den Datensatz zurück, die Batch-Transaktion bleibt
// gültig und die übrigen Datensätze committen. Sperr- und
// Serialisierungskonflikte werden erneut versucht, bevor der Datensatz als
// Fehler zählt.
func (i *Ingestor) processRawIsolated(ctx context.Context, tx *gorm.DB, raw models.RawPreprint) error {
	var err error
	for attempt := 1; attempt <= ingestRetries; attempt++ {
		err = tx.Transaction(func(sub *gorm.DB) error {
			return i.processRaw(ctx, sub, raw)
		})
		if err == nil || !isContentionError(err) {
			return err
		}
		i.Logger.Warn("Lock contention while processing preprint, retrying",
			zap.String("preprint_id", raw.ID), zap.Int("attempt", attempt), zap.Error(err))
	}
	return err
}

// isContentionError erkennt Sperr- und Serialisierungskonflikte von Postgres:
// lock_not_available (55P03), serialization_failure (40001) und
// deadlock_detected (40P01).
func isContentionError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "55P03", "40001", "40P01":
		return true
	}
	return false
}

// processRaw lädt den Payload einer Raw-Zeile und normalisiert ihn.
func (i *Ingestor) processRaw(ctx context.Context, tx *gorm.DB, raw models.RawPreprint) error {
	payload := []byte(raw.Payload)
	if !i.Payloads.Inline() && raw.PayloadKey != "" {
		fetched, err := i.Payloads.Get(ctx, raw.PayloadKey)
		if err != nil {
			return fmt.Errorf("loading offloaded payload: %w", err)
		}
		payload = fetched
	}
	if len(payload) == 0 {
		return errors.New("raw row has no payload")
	}

	doc, err := osfapi.ParseDocument(payload)
	if err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	return i.processDocument(tx, raw.ID, doc)
}

// processDocument schreibt den Elterndatensatz und extrahiert danach die
// Sub-Entitäten. Ein Fehler beim Eltern-Upsert schlägt den ganzen Datensatz
// fehl; Fehler einzelner Sub-Entitäten werden nur geloggt — die übrigen
// Extraktionen laufen weiter.
func (i *Ingestor) processDocument(tx *gorm.DB, id string, doc *osfapi.Document) error {
	preprint := extractPreprint(id, doc)

	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&preprint).Error
	if err != nil {
		return fmt.Errorf("upserting preprint: %w", err)
	}

	latest := preprint.IsLatestVersion
	if err := i.processContributors(tx, id, latest, doc); err != nil {
		i.Logger.Warn("Contributor extraction failed",
			zap.String("preprint_id", id), zap.Error(err))
	}
	if err := i.processSubjects(tx, id, latest, doc); err != nil {
		i.Logger.Warn("Subject extraction failed",
			zap.String("preprint_id", id), zap.Error(err))
	}
	if err := i.processTags(tx, id, latest, doc.Attributes.Tags); err != nil {
		i.Logger.Warn("Tag extraction failed",
			zap.String("preprint_id", id), zap.Error(err))
	}
	return nil
}

// extractPreprint flacht die Payload-Attribute in den Elterndatensatz ab.
func extractPreprint(id string, doc *osfapi.Document) models.Preprint {
	attrs := doc.Attributes
	baseID, parsedVersion := ParsePreprintID(id)

	version := attrs.Version
	if version <= 0 {
		version = parsedVersion
	}

	preprint := models.Preprint{
		ID:              id,
		BaseID:          baseID,
		Title:           attrs.Title,
		Description:     attrs.Description,
		DateCreated:     attrs.DateCreated.Time,
		DateModified:    attrs.DateModified.Time,
		PreprintDOI:     doc.Links.PreprintDOI,
		License:         doc.Embeds.License.Name(),
		Provider:        doc.Relationships.Provider.RelatedID(),
		IsPublished:     attrs.IsPublished,
		ReviewsState:    attrs.ReviewsState,
		Version:         version,
		IsLatestVersion: attrs.Latest(),

		HasCOI:                      attrs.HasCOI,
		ConflictOfInterestStatement: attrs.ConflictOfInterestStatement,
		HasDataLinks:                attrs.HasDataLinks,
		WhyNoData:                   attrs.WhyNoData,
		DataLinks:                   datatypes.JSON(attrs.DataLinks),
		HasPreregLinks:              attrs.HasPreregLinks,
		WhyNoPrereg:                 attrs.WhyNoPrereg,
		PreregLinks:                 datatypes.JSON(attrs.PreregLinks),
		PreregLinkInfo:              attrs.PreregLinkInfo,
	}

	if !attrs.DatePublished.IsZero() {
		published := attrs.DatePublished.Time
		preprint.DatePublished = &published
	}
	if attrs.DOI != "" {
		preprint.PublicationDOI = "https://doi.org/" + attrs.DOI
	}
	if fileID := doc.Relationships.PrimaryFile.RelatedID(); fileID != "" {
		preprint.DownloadURL = "https://osf.io/download/" + fileID
	}
	return preprint
}

// processContributors dedupliziert Personen über die OSF-User-ID. Die ID
// steht primär im users-Relationship und ersatzweise im users-Embed; fehlt
// sie in beiden Pfaden, wird der Contributor mit Warnung übersprungen, ohne
// den Datensatz fehlschlagen zu lassen. Jeder Contributor läuft in einem
// eigenen Savepoint, damit ein fehlgeschlagenes Statement nicht die
// umgebende Transaktion abbricht.
func (i *Ingestor) processContributors(tx *gorm.DB, preprintID string, latest bool, doc *osfapi.Document) error {
	for idx, contrib := range doc.Embeds.Contributors.Data {
		userID := contrib.UserID()
		if userID == "" {
			i.Logger.Warn("Could not find user id for contributor",
				zap.String("preprint_id", preprintID), zap.Int("index", idx))
			continue
		}

		err := tx.Transaction(func(sub *gorm.DB) error {
			return i.processContributor(sub, preprintID, userID, idx, latest, contrib)
		})
		if err != nil {
			i.Logger.Warn("Upserting contributor failed",
				zap.String("preprint_id", preprintID),
				zap.String("contributor_id", userID), zap.Error(err))
		}
	}
	return nil
}

// processContributor schreibt eine Person samt Join-Zeile und Einrichtungen.
func (i *Ingestor) processContributor(tx *gorm.DB, preprintID, userID string, idx int, latest bool, contrib osfapi.ContributorDocument) error {
	contributor := models.Contributor{ID: userID}
	if user := contrib.Embeds.Users.Data; user != nil {
		contributor.FullName = user.Attributes.FullName
		contributor.GivenName = user.Attributes.GivenName
		contributor.MiddleNames = user.Attributes.MiddleNames
		contributor.FamilyName = user.Attributes.FamilyName
		contributor.Suffix = user.Attributes.Suffix
		contributor.Active = user.Attributes.Active
		contributor.ORCID = user.ORCID()
		contributor.ProfileURL = user.Links.HTML
		if !user.Attributes.DateRegistered.IsZero() {
			registered := user.Attributes.DateRegistered.Time
			contributor.DateRegistered = &registered
		}
		if len(user.Attributes.Employment) > 0 {
			if employment, err := json.Marshal(user.Attributes.Employment); err == nil {
				contributor.Employment = datatypes.JSON(employment)
			}
		}
		if len(user.Attributes.Education) > 0 {
			contributor.Education = datatypes.JSON(user.Attributes.Education)
		}
	}

	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&contributor).Error
	if err != nil {
		return fmt.Errorf("upserting contributor: %w", err)
	}

	if user := contrib.Embeds.Users.Data; user != nil {
		i.processInstitutions(tx, userID, user.Attributes.Employment)
	}

	join := models.PreprintContributor{
		PreprintID:      preprintID,
		ContributorID:   userID,
		AuthorIndex:     idx,
		Bibliographic:   contrib.Bibliographic(),
		IsLatestVersion: latest,
	}
	err = tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "preprint_id"}, {Name: "contributor_id"}},
		UpdateAll: true,
	}).Create(&join).Error
	if err != nil {
		return fmt.Errorf("upserting contributor relationship: %w", err)
	}
	return nil
}

// processInstitutions legt Einrichtungen aus dem Beschäftigungsverlauf an.
// Die Identität ist der kleingeschriebene Name: existiert bereits eine Zeile
// mit gleichem Namen in anderer Schreibweise, wird sie wiederverwendet.
// Jeder Eintrag läuft in einem eigenen Savepoint.
func (i *Ingestor) processInstitutions(tx *gorm.DB, contributorID string, employment []osfapi.EmploymentEntry) {
	for _, entry := range employment {
		name := strings.TrimSpace(entry.Institution)
		if name == "" {
			continue
		}

		err := tx.Transaction(func(sub *gorm.DB) error {
			key := strings.ToLower(name)
			var inst models.Institution
			err := sub.Where("name_key = ?", key).First(&inst).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				inst = models.Institution{Name: name, NameKey: key}
				err = sub.Create(&inst).Error
			}
			if err != nil {
				return err
			}

			link := models.ContributorInstitution{
				ContributorID: contributorID,
				InstitutionID: inst.ID,
			}
			return sub.Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error
		})
		if err != nil {
			i.Logger.Warn("Upserting institution failed",
				zap.String("contributor_id", contributorID),
				zap.String("institution", name), zap.Error(err))
		}
	}
}

// processSubjects verarbeitet die Hierarchie-Ketten des Payloads. Jeder
// Knoten erhält den Vorgänger seiner Kette als parent_id, Wurzeln haben
// keinen. Fehlerhafte Knoten werden einzeln geloggt und übersprungen.
func (i *Ingestor) processSubjects(tx *gorm.DB, preprintID string, latest bool, doc *osfapi.Document) error {
	for _, chain := range doc.Attributes.Subjects {
		var parentID *string
		for _, node := range chain {
			if node.ID == "" {
				continue
			}

			err := tx.Transaction(func(sub *gorm.DB) error {
				subject := models.Subject{ID: node.ID, Text: node.Text, ParentID: parentID}
				err := sub.Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "id"}},
					UpdateAll: true,
				}).Create(&subject).Error
				if err != nil {
					return err
				}

				join := models.PreprintSubject{
					PreprintID:      preprintID,
					SubjectID:       node.ID,
					IsLatestVersion: latest,
				}
				return sub.Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "preprint_id"}, {Name: "subject_id"}},
					UpdateAll: true,
				}).Create(&join).Error
			})
			if err != nil {
				i.Logger.Warn("Upserting subject failed",
					zap.String("preprint_id", preprintID),
					zap.String("subject_id", node.ID), zap.Error(err))
				continue
			}

			id := node.ID
			parentID = &id
		}
	}
	return nil
}

// NormalizeTags zerlegt freie Tag-Eingaben: Semikolons und Kommas trennen,
// Whitespace wird entfernt, die kanonische Form ist kleingeschrieben.
// Duplikate innerhalb eines Datensatzes fallen weg, die Reihenfolge des
// ersten Auftretens bleibt erhalten.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tag := range tags {
		tag = strings.ReplaceAll(tag, ";", ",")
		for _, part := range strings.Split(tag, ",") {
			part = strings.ToLower(strings.TrimSpace(part))
			if part == "" || seen[part] {
				continue
			}
			seen[part] = true
			out = append(out, part)
		}
	}
	return out
}

// processTags pflegt die Tag-Lookup-Tabelle samt Nutzungszähler und die
// Join-Zeilen mit Positionsangabe.
func (i *Ingestor) processTags(tx *gorm.DB, preprintID string, latest bool, tags []string) error {
	for pos, name := range NormalizeTags(tags) {
		err := tx.Transaction(func(sub *gorm.DB) error {
			var tag models.Tag
			err := sub.Where("name = ?", name).First(&tag).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				tag = models.Tag{Name: name, UsageCount: 1}
				err = sub.Create(&tag).Error
			case err == nil:
				err = sub.Model(&tag).Update("usage_count", gorm.Expr("usage_count + 1")).Error
			}
			if err != nil {
				return err
			}

			join := models.PreprintTag{
				PreprintID:      preprintID,
				TagID:           tag.ID,
				Position:        pos,
				IsLatestVersion: latest,
			}
			return sub.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "preprint_id"}, {Name: "tag_id"}},
				UpdateAll: true,
			}).Create(&join).Error
		})
		if err != nil {
			i.Logger.Warn("Upserting tag failed",
				zap.String("preprint_id", preprintID),
				zap.String("tag", name), zap.Error(err))
		}
	}
	return nil
}
