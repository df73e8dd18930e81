package models

// Subject ist ein Knoten einer Fachgebiets-Hierarchie. ParentID zeigt auf den
// Vorgänger in der Kette des Payloads; Wurzelknoten haben kein Parent.
// Unabhängige Ketten verschmelzen nicht, auch wenn sie eine Wurzel teilen:
// der letzte Upsert pro Knoten gewinnt.
type Subject struct {
	ID       string  `json:"id" gorm:"primaryKey"`
	Text     string  `json:"text"`
	ParentID *string `json:"parent_id,omitempty" gorm:"index"`
}

func (Subject) TableName() string {
	return "subjects"
}

// PreprintSubject verbindet Preprint und Subject.
type PreprintSubject struct {
	PreprintID      string `json:"preprint_id" gorm:"primaryKey"`
	SubjectID       string `json:"subject_id" gorm:"primaryKey;index"`
	IsLatestVersion bool   `json:"is_latest_version"`
}

func (PreprintSubject) TableName() string {
	return "preprint_subjects"
}
