package osfapi

import (
	"encoding/json"
	"strings"
	"time"
)

// Timestamp akzeptiert die Datumsvarianten der OSF API: RFC3339 mit und ohne
// Subsekunden sowie das zonenlose Format, das ältere Payloads tragen.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
}

// UnmarshalJSON implementiert json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	var lastErr error
	for _, layout := range timestampLayouts {
		parsed, err := time.Parse(layout, s)
		if err == nil {
			t.Time = parsed.UTC()
			return nil
		}
		lastErr = err
	}
	return lastErr
}

// Document ist ein einzelnes Preprint-Dokument aus der API-Antwort.
type Document struct {
	ID            string        `json:"id"`
	Attributes    Attributes    `json:"attributes"`
	Relationships Relationships `json:"relationships"`
	Embeds        Embeds        `json:"embeds"`
	Links         DocumentLinks `json:"links"`
}

// Attributes sind die flachen Felder eines Preprint-Dokuments.
type Attributes struct {
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	DateCreated   Timestamp `json:"date_created"`
	DateModified  Timestamp `json:"date_modified"`
	DatePublished Timestamp `json:"date_published"`

	DOI          string `json:"doi"`
	IsPublished  bool   `json:"is_published"`
	ReviewsState string `json:"reviews_state"`
	Version      int    `json:"version"`
	// Pointer, weil ein fehlendes Flag als true gilt.
	IsLatestVersion *bool `json:"is_latest_version"`

	HasCOI                      bool            `json:"has_coi"`
	ConflictOfInterestStatement string          `json:"conflict_of_interest_statement"`
	HasDataLinks                string          `json:"has_data_links"`
	WhyNoData                   string          `json:"why_no_data"`
	DataLinks                   json.RawMessage `json:"data_links"`
	HasPreregLinks              string          `json:"has_prereg_links"`
	WhyNoPrereg                 string          `json:"why_no_prereg"`
	PreregLinks                 json.RawMessage `json:"prereg_links"`
	PreregLinkInfo              string          `json:"prereg_link_info"`

	// Subjects ist ein Array von Hierarchien: jedes innere Array ist eine
	// Eltern-Kind-Kette.
	Subjects [][]SubjectNode `json:"subjects"`
	Tags     []string        `json:"tags"`
}

// Latest liefert das is_latest_version-Flag; fehlt es im Payload, gilt true.
func (a Attributes) Latest() bool {
	if a.IsLatestVersion == nil {
		return true
	}
	return *a.IsLatestVersion
}

// SubjectNode ist ein Knoten einer Subject-Hierarchie.
type SubjectNode struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Relationships verweist auf verknüpfte Ressourcen.
type Relationships struct {
	Provider    Relation `json:"provider"`
	PrimaryFile Relation `json:"primary_file"`
}

// Relation ist ein JSON:API-Relationship-Objekt; Data kann fehlen.
type Relation struct {
	Data *RelationData `json:"data"`
}

// RelationData trägt die ID der verknüpften Ressource.
type RelationData struct {
	ID string `json:"id"`
}

// RelatedID liefert die ID der Relation oder "" wenn kein Ziel gesetzt ist.
func (r Relation) RelatedID() string {
	if r.Data == nil {
		return ""
	}
	return r.Data.ID
}

// DocumentLinks sind die Links eines Preprint-Dokuments.
type DocumentLinks struct {
	PreprintDOI string `json:"preprint_doi"`
}

// Embeds sind eingebettete Sub-Ressourcen.
type Embeds struct {
	Contributors ContributorList `json:"contributors"`
	License      LicenseEmbed    `json:"license"`
}

// ContributorList hält die eingebetteten Contributor-Dokumente.
type ContributorList struct {
	Data []ContributorDocument `json:"data"`
}

// LicenseEmbed ist die eingebettete Lizenz.
type LicenseEmbed struct {
	Data *struct {
		Attributes struct {
			Name string `json:"name"`
		} `json:"attributes"`
	} `json:"data"`
}

// Name liefert den Lizenznamen oder "".
func (l LicenseEmbed) Name() string {
	if l.Data == nil {
		return ""
	}
	return l.Data.Attributes.Name
}

// ContributorDocument ist ein eingebetteter Contributor samt User-Embed.
type ContributorDocument struct {
	ID         string `json:"id"`
	Attributes struct {
		Index         int   `json:"index"`
		Bibliographic *bool `json:"bibliographic"`
	} `json:"attributes"`
	Relationships struct {
		Users Relation `json:"users"`
	} `json:"relationships"`
	Embeds struct {
		Users UserEmbed `json:"users"`
	} `json:"embeds"`
}

// Bibliographic liefert das Flag; fehlt es, gilt true.
func (c ContributorDocument) Bibliographic() bool {
	if c.Attributes.Bibliographic == nil {
		return true
	}
	return *c.Attributes.Bibliographic
}

// UserID sucht die User-ID zuerst im users-Relationship und fällt dann auf
// das users-Embed zurück. "" bedeutet: in keinem der beiden Pfade gefunden.
func (c ContributorDocument) UserID() string {
	if id := c.Relationships.Users.RelatedID(); id != "" {
		return id
	}
	if c.Embeds.Users.Data != nil {
		return c.Embeds.Users.Data.ID
	}
	return ""
}

// UserEmbed ist das eingebettete User-Dokument eines Contributors.
type UserEmbed struct {
	Data *UserDocument `json:"data"`
}

// UserDocument sind die Stammdaten eines OSF-Users.
type UserDocument struct {
	ID         string `json:"id"`
	Attributes struct {
		FullName       string            `json:"full_name"`
		GivenName      string            `json:"given_name"`
		MiddleNames    string            `json:"middle_names"`
		FamilyName     string            `json:"family_name"`
		Suffix         string            `json:"suffix"`
		DateRegistered Timestamp         `json:"date_registered"`
		Active         bool              `json:"active"`
		Social         map[string]any    `json:"social"`
		Employment     []EmploymentEntry `json:"employment"`
		Education      json.RawMessage   `json:"education"`
	} `json:"attributes"`
	Links struct {
		HTML string `json:"html"`
	} `json:"links"`
}

// ORCID liefert die ORCID aus den Social-Daten oder "".
func (u *UserDocument) ORCID() string {
	if u == nil || u.Attributes.Social == nil {
		return ""
	}
	if v, ok := u.Attributes.Social["orcid"].(string); ok {
		return v
	}
	return ""
}

// EmploymentEntry ist eine Station des Beschäftigungsverlaufs.
type EmploymentEntry struct {
	Title       string `json:"title"`
	Institution string `json:"institution"`
	Department  string `json:"department"`
	Ongoing     bool   `json:"ongoing"`
}

// RawDocument bündelt ein dekodiertes Dokument mit seinen Originalbytes,
// damit der Harvester den Payload unverändert ablegen kann.
type RawDocument struct {
	Document
	Raw json.RawMessage
}

// Page ist eine dekodierte Ergebnisseite.
type Page struct {
	Documents []RawDocument
	Next      string
}

// ParseDocument dekodiert einen gespeicherten Payload zurück in ein Document.
func ParseDocument(raw []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}
