package models

import (
	"time"

	"gorm.io/datatypes"
)

// Preprint ist der normalisierte Elterndatensatz eines Raw-Payloads.
//
// Invariante: pro BaseID trägt genau eine Zeile IsLatestVersion=true, und
// zwar die mit der höchsten Version. Der Reconciler stellt das sicher.
type Preprint struct {
	ID     string `json:"id" gorm:"primaryKey"`
	BaseID string `json:"base_id" gorm:"index"`

	Title       string `json:"title"`
	Description string `json:"description,omitempty" gorm:"type:text"`

	DateCreated   time.Time  `json:"date_created" gorm:"index"`
	DateModified  time.Time  `json:"date_modified" gorm:"index"`
	DatePublished *time.Time `json:"date_published,omitempty"`

	PublicationDOI string `json:"publication_doi,omitempty"`
	PreprintDOI    string `json:"preprint_doi,omitempty"`
	DownloadURL    string `json:"download_url,omitempty"`
	License        string `json:"license,omitempty"`
	Provider       string `json:"provider,omitempty" gorm:"index"`

	IsPublished     bool   `json:"is_published"`
	ReviewsState    string `json:"reviews_state,omitempty"`
	Version         int    `json:"version"`
	IsLatestVersion bool   `json:"is_latest_version" gorm:"index"`

	HasCOI                       bool           `json:"has_coi"`
	ConflictOfInterestStatement  string         `json:"conflict_of_interest_statement,omitempty" gorm:"type:text"`
	HasDataLinks                 string         `json:"has_data_links,omitempty"`
	WhyNoData                    string         `json:"why_no_data,omitempty"`
	DataLinks                    datatypes.JSON `json:"data_links,omitempty" gorm:"type:jsonb"`
	HasPreregLinks               string         `json:"has_prereg_links,omitempty"`
	WhyNoPrereg                  string         `json:"why_no_prereg,omitempty"`
	PreregLinks                  datatypes.JSON `json:"prereg_links,omitempty" gorm:"type:jsonb"`
	PreregLinkInfo               string         `json:"prereg_link_info,omitempty"`
}

// TableName gibt explizit den Tabellennamen an.
func (Preprint) TableName() string {
	return "preprints"
}
