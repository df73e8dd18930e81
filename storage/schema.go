package storage

import (
	"fmt"

	"gorm.io/gorm"

	"preprint-harvester/models"
)

// InitSchema legt das komplette Schema idempotent an. Sie läuft einmal beim
// Prozessstart; nachgelagerter Code setzt voraus, dass alle Tabellen
// existieren. Schema-Evolution läuft über einen kompletten Neuaufbau, nicht
// über inkrementelle Spalten-Migrationen.
func InitSchema(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.RawPreprint{},
		&models.Preprint{},
		&models.Contributor{},
		&models.PreprintContributor{},
		&models.Subject{},
		&models.PreprintSubject{},
		&models.Tag{},
		&models.PreprintTag{},
		&models.Institution{},
		&models.ContributorInstitution{},
		&models.PreprintUI{},
	)
	if err != nil {
		return fmt.Errorf("running schema migration: %w", err)
	}
	return nil
}
