package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config enthält alle Konfigurationsparameter aus Umgebungsvariablen.
type Config struct {
	DBHost     string `envconfig:"DB_HOST" required:"true"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" required:"true"`
	DBPassword string `envconfig:"DB_PASSWORD" required:"true"`
	DBName     string `envconfig:"DB_NAME" required:"true"`
	// Obergrenze, wie lange eine Operation auf gesperrte Zeilen wartet.
	DBLockTimeout time.Duration `envconfig:"DB_LOCK_TIMEOUT" default:"10s"`

	HTTPPort string `envconfig:"HTTP_PORT" default:"4242"`
	// Leer bedeutet: keine Authentifizierung (lokaler Betrieb).
	APISecretKey string `envconfig:"API_SECRET_KEY"`

	// OSF API
	OSFBaseURL     string        `envconfig:"OSF_BASE_URL" default:"https://api.osf.io/v2/preprints/"`
	OSFProvider    string        `envconfig:"OSF_PROVIDER" default:"psyarxiv"`
	OSFPageSize    int           `envconfig:"OSF_PAGE_SIZE" default:"50"`
	OSFEpochFloor  string        `envconfig:"OSF_EPOCH_FLOOR" default:"2010-01-01T00:00:00"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	RequestDelay   time.Duration `envconfig:"REQUEST_DELAY" default:"3s"`

	// Gap-Erkennung
	MaxGapHours int `envconfig:"MAX_GAP_HOURS" default:"24"`

	// Ingestion und View-Aufbau
	IngestBatchSize int `envconfig:"INGEST_BATCH_SIZE" default:"100"`
	ViewBatchSize   int `envconfig:"VIEW_BATCH_SIZE" default:"500"`

	CronSchedule string `envconfig:"CRON_SCHEDULE" default:"0 2 * * *"`

	// Payload-Ablage: "db" speichert das JSON inline, "s3" legt es im Bucket ab
	// und die raw-Tabelle hält nur den Objekt-Key.
	PayloadStore string `envconfig:"PAYLOAD_STORE" default:"db"`

	StratoS3Key    string `envconfig:"STRATO_S3_KEY"`
	StratoS3Secret string `envconfig:"STRATO_S3_SECRET"`
	StratoS3URL    string `envconfig:"STRATO_S3_URL"`
	StratoS3Region string `envconfig:"STRATO_S3_REGION"`
	StratoS3Bucket string `envconfig:"STRATO_S3_BUCKET"`
}

// DSN gibt den Data Source Name für die PostgreSQL-Verbindung zurück.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

// EpochFloor liefert den Startzeitpunkt für die allererste Harvest-Runde.
func (c *Config) EpochFloor() time.Time {
	t, err := time.Parse("2006-01-02T15:04:05", c.OSFEpochFloor)
	if err != nil {
		return time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return t
}

// Load lädt die Konfiguration aus den Umgebungsvariablen.
func Load() (*Config, error) {
	_ = godotenv.Load()
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	if c.PayloadStore != "db" && c.PayloadStore != "s3" {
		return nil, fmt.Errorf("invalid PAYLOAD_STORE %q (expected db or s3)", c.PayloadStore)
	}
	if c.PayloadStore == "s3" && c.StratoS3Bucket == "" {
		return nil, fmt.Errorf("PAYLOAD_STORE=s3 requires STRATO_S3_* settings")
	}
	return &c, nil
}
