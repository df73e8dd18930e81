package models

import (
	"time"

	"gorm.io/datatypes"
)

// RawPreprint ist die unveränderte Kopie eines von der OSF API geholten
// Preprint-Dokuments. Die Tabelle ist die dauerhafte Quelle der Wahrheit;
// alle normalisierten Tabellen lassen sich daraus neu aufbauen.
type RawPreprint struct {
	ID           string         `json:"id" gorm:"primaryKey"`
	DateCreated  time.Time      `json:"date_created" gorm:"index"`
	DateModified time.Time      `json:"date_modified" gorm:"index"`
	// Payload hält das komplette API-Dokument, wenn PAYLOAD_STORE=db.
	Payload datatypes.JSON `json:"payload,omitempty" gorm:"type:jsonb"`
	// PayloadKey verweist auf das S3-Objekt, wenn PAYLOAD_STORE=s3.
	PayloadKey string    `json:"payload_key,omitempty"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// TableName gibt explizit den Tabellennamen an.
func (RawPreprint) TableName() string {
	return "raw_preprints"
}
