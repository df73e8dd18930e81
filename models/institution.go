package models

// Institution ist eine Einrichtung aus dem Beschäftigungsverlauf eines
// Contributors. NameKey (kleingeschrieben) ist die Identität: Namen, die
// sich nur in Groß-/Kleinschreibung unterscheiden, landen in einer Zeile.
type Institution struct {
	ID      uint   `json:"id" gorm:"primaryKey"`
	Name    string `json:"name"`
	NameKey string `json:"name_key" gorm:"uniqueIndex;not null"`
}

func (Institution) TableName() string {
	return "institutions"
}

// ContributorInstitution verbindet Contributor und Institution.
type ContributorInstitution struct {
	ContributorID string `json:"contributor_id" gorm:"primaryKey"`
	InstitutionID uint   `json:"institution_id" gorm:"primaryKey;index"`
}

func (ContributorInstitution) TableName() string {
	return "contributor_institutions"
}
