package models

import (
	"time"

	"gorm.io/datatypes"
)

// Contributor ist eine deduplizierte Person aus den OSF-Userdaten. Attribute
// werden bei jedem Vorkommen per Upsert gemerged (last write wins pro Feld).
type Contributor struct {
	ID             string         `json:"id" gorm:"primaryKey"`
	FullName       string         `json:"full_name"`
	GivenName      string         `json:"given_name,omitempty"`
	MiddleNames    string         `json:"middle_names,omitempty"`
	FamilyName     string         `json:"family_name,omitempty"`
	Suffix         string         `json:"suffix,omitempty"`
	DateRegistered *time.Time     `json:"date_registered,omitempty"`
	Active         bool           `json:"active"`
	ORCID          string         `json:"orcid,omitempty" gorm:"column:orcid"`
	Employment     datatypes.JSON `json:"employment,omitempty" gorm:"type:jsonb"`
	Education      datatypes.JSON `json:"education,omitempty" gorm:"type:jsonb"`
	ProfileURL     string         `json:"profile_url,omitempty"`
}

func (Contributor) TableName() string {
	return "contributors"
}

// PreprintContributor verbindet Preprint und Contributor. IsLatestVersion
// ist eine denormalisierte Kopie des Eltern-Flags, damit Abfragen ohne Join
// filtern können; der Reconciler hält die Kopie konsistent.
type PreprintContributor struct {
	PreprintID      string `json:"preprint_id" gorm:"primaryKey"`
	ContributorID   string `json:"contributor_id" gorm:"primaryKey;index"`
	AuthorIndex     int    `json:"author_index" gorm:"index"`
	Bibliographic   bool   `json:"bibliographic"`
	IsLatestVersion bool   `json:"is_latest_version"`
}

func (PreprintContributor) TableName() string {
	return "preprint_contributors"
}
