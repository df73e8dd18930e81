package storage

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"preprint-harvester/config"
)

// Open verbindet sich mit der Preprints-Datenbank und setzt die Wartegrenze
// für Sperren, damit ein parallel geöffnetes Tool nicht sofort fehlschlägt.
func Open(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := ApplyLockTimeout(db, cfg); err != nil {
		return nil, err
	}
	return db, nil
}

// ApplyLockTimeout begrenzt die Wartezeit auf gesperrte Zeilen bzw. auf die
// sqlite-Datei. Kein Vorgang in der Pipeline blockiert dadurch unbegrenzt.
func ApplyLockTimeout(db *gorm.DB, cfg *config.Config) error {
	millis := cfg.DBLockTimeout.Milliseconds()
	switch db.Dialector.Name() {
	case "postgres":
		return db.Exec(fmt.Sprintf("SET lock_timeout = %d", millis)).Error
	case "sqlite", "sqlite3":
		return db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", millis)).Error
	default:
		return nil
	}
}
