package services

import (
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"preprint-harvester/models"
	"preprint-harvester/storage"
)

// MaintenanceService fasst die Datenbankpflege zusammen: Abfrage-Indizes
// neu aufbauen, Statistiken auffrischen, Speicher freigeben.
type MaintenanceService struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// NewMaintenanceService erstellt einen neuen MaintenanceService.
func NewMaintenanceService(db *gorm.DB, logger *zap.Logger) *MaintenanceService {
	return &MaintenanceService{DB: db, Logger: logger}
}

// maintainedIndexes sind die Abfrage-Indizes, die Optimize neu aufbaut.
// DROP/CREATE IF EXISTS ist in Postgres und SQLite gleichermaßen gültig.
var maintainedIndexes = []struct {
	Name  string
	Table string
	Cols  string
}{
	{"idx_raw_preprints_date_modified", "raw_preprints", "date_modified"},
	{"idx_preprints_base_id", "preprints", "base_id"},
	{"idx_preprints_date_modified", "preprints", "date_modified"},
	{"idx_preprints_latest", "preprints", "is_latest_version"},
	{"idx_preprint_contributors_contributor", "preprint_contributors", "contributor_id"},
	{"idx_preprint_subjects_subject", "preprint_subjects", "subject_id"},
	{"idx_preprint_tags_tag", "preprint_tags", "tag_id"},
	{"idx_preprints_ui_date_created", "preprints_ui", "date_created"},
	{"idx_preprints_ui_latest", "preprints_ui", "is_latest_version"},
}

// Optimize baut die Abfrage-Indizes neu auf und führt danach ANALYZE und
// VACUUM aus. Fehler einzelner Indizes werden geloggt, die übrigen Schritte
// laufen weiter.
func (m *MaintenanceService) Optimize() error {
	m.Logger.Info("Starting database maintenance")

	for _, idx := range maintainedIndexes {
		drop := fmt.Sprintf("DROP INDEX IF EXISTS %s", idx.Name)
		create := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", idx.Name, idx.Table, idx.Cols)
		if err := m.DB.Exec(drop).Error; err != nil {
			m.Logger.Warn("Dropping index failed", zap.String("index", idx.Name), zap.Error(err))
			continue
		}
		if err := m.DB.Exec(create).Error; err != nil {
			m.Logger.Warn("Creating index failed", zap.String("index", idx.Name), zap.Error(err))
		}
	}

	if err := m.DB.Exec("ANALYZE").Error; err != nil {
		return fmt.Errorf("running ANALYZE: %w", err)
	}
	// VACUUM darf in Postgres nicht innerhalb einer Transaktion laufen;
	// Exec ohne Begin ist autocommit, das passt für beide Dialekte.
	if err := m.DB.Exec("VACUUM").Error; err != nil {
		return fmt.Errorf("running VACUUM: %w", err)
	}

	m.Logger.Info("Database maintenance complete")
	return nil
}

// normalizedModels sind die vom Ingest befüllten Tabellen in einer
// Löschreihenfolge, die Join-Zeilen vor ihren Bezugstabellen entfernt.
var normalizedModels = []interface{}{
	&models.PreprintContributor{},
	&models.PreprintSubject{},
	&models.PreprintTag{},
	&models.ContributorInstitution{},
	&models.PreprintUI{},
	&models.Preprint{},
	&models.Contributor{},
	&models.Subject{},
	&models.Tag{},
	&models.Institution{},
}

// ResetIngestion leert alle normalisierten Tabellen samt Leseansicht. Die
// Raw-Zeilen bleiben erhalten und gelten danach wieder als pending, der
// nächste Ingest baut den Bestand aus ihnen neu auf.
func (m *MaintenanceService) ResetIngestion() error {
	m.Logger.Warn("Resetting ingestion tables")
	return m.DB.Transaction(func(tx *gorm.DB) error {
		for _, model := range normalizedModels {
			err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(model).Error
			if err != nil {
				return fmt.Errorf("clearing table: %w", err)
			}
		}
		return nil
	})
}

// ResetSchema verwirft alle Tabellen einschließlich der Raw-Zeilen und legt
// das Schema leer neu an.
func (m *MaintenanceService) ResetSchema() error {
	m.Logger.Warn("Resetting database schema")

	tables := make([]interface{}, 0, len(normalizedModels)+1)
	tables = append(tables, normalizedModels...)
	tables = append(tables, &models.RawPreprint{})
	if err := m.DB.Migrator().DropTable(tables...); err != nil {
		return fmt.Errorf("dropping tables: %w", err)
	}
	return storage.InitSchema(m.DB)
}

// Status ist der aktuelle Pipeline-Zustand für die Statusabfrage.
type Status struct {
	RawPreprints int64 `json:"raw_preprints"`
	Preprints    int64 `json:"preprints"`
	Pending      int64 `json:"pending"`
	ViewRows     int64 `json:"view_rows"`
}

// Snapshot zählt die Pipeline-Stufen durch. Pending ist die Zahl der
// Raw-Zeilen ohne normalisiertes Gegenstück.
func (m *MaintenanceService) Snapshot() (Status, error) {
	var status Status

	if err := m.DB.Model(&models.RawPreprint{}).Count(&status.RawPreprints).Error; err != nil {
		return status, fmt.Errorf("counting raw preprints: %w", err)
	}
	if err := m.DB.Model(&models.Preprint{}).Count(&status.Preprints).Error; err != nil {
		return status, fmt.Errorf("counting preprints: %w", err)
	}
	err := m.DB.Model(&models.RawPreprint{}).
		Joins("LEFT JOIN preprints ON preprints.id = raw_preprints.id").
		Where("preprints.id IS NULL").
		Count(&status.Pending).Error
	if err != nil {
		return status, fmt.Errorf("counting pending raw preprints: %w", err)
	}
	if err := m.DB.Model(&models.PreprintUI{}).Count(&status.ViewRows).Error; err != nil {
		return status, fmt.Errorf("counting view rows: %w", err)
	}
	return status, nil
}
