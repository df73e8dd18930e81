package models

import (
	"time"

	"gorm.io/datatypes"
)

// PreprintUI ist die denormalisierte Leseansicht: eine Zeile pro Preprint
// mit geflatteten Anzeige-Strings und JSON-Listen aus den Join-Tabellen.
// LastUpdated ist der Staleness-Stempel für den inkrementellen Neuaufbau.
type PreprintUI struct {
	ID    string `json:"id" gorm:"primaryKey"`
	Title string `json:"title"`

	DateCreated   time.Time  `json:"date_created" gorm:"index"`
	DateModified  time.Time  `json:"date_modified"`
	DatePublished *time.Time `json:"date_published,omitempty"`

	Provider        string `json:"provider,omitempty" gorm:"index"`
	PublicationDOI  string `json:"publication_doi,omitempty"`
	PreprintDOI     string `json:"preprint_doi,omitempty"`
	DownloadURL     string `json:"download_url,omitempty"`
	License         string `json:"license,omitempty"`
	IsPublished     bool   `json:"is_published"`
	ReviewsState    string `json:"reviews_state,omitempty"`
	Version         int    `json:"version"`
	IsLatestVersion bool   `json:"is_latest_version" gorm:"index"`

	// Geflattete Strings für die Anzeige plus JSON für weitere Abfragen.
	ContributorsList string         `json:"contributors_list,omitempty"`
	ContributorsData datatypes.JSON `json:"contributors_data,omitempty" gorm:"type:jsonb"`
	FirstAuthor      string         `json:"first_author,omitempty"`
	SubjectsList     string         `json:"subjects_list,omitempty"`
	SubjectsData     datatypes.JSON `json:"subjects_data,omitempty" gorm:"type:jsonb"`
	TagsList         string         `json:"tags_list,omitempty"`
	TagsData         datatypes.JSON `json:"tags_data,omitempty" gorm:"type:jsonb"`

	LastUpdated time.Time `json:"last_updated"`
}

func (PreprintUI) TableName() string {
	return "preprints_ui"
}
