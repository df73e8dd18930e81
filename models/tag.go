package models

// Tag ist ein normalisiertes Schlagwort. Name ist die kanonische,
// kleingeschriebene Form; UsageCount zählt, in wie vielen Preprints das
// Tag vorkommt.
type Tag struct {
	ID         uint   `json:"id" gorm:"primaryKey"`
	Name       string `json:"name" gorm:"uniqueIndex;not null"`
	UsageCount int    `json:"usage_count"`
}

func (Tag) TableName() string {
	return "tags"
}

// PreprintTag verbindet Preprint und Tag. Position hält die Reihenfolge des
// ersten Auftretens im Payload fest.
type PreprintTag struct {
	PreprintID      string `json:"preprint_id" gorm:"primaryKey"`
	TagID           uint   `json:"tag_id" gorm:"primaryKey;index"`
	Position        int    `json:"position"`
	IsLatestVersion bool   `json:"is_latest_version"`
}

func (PreprintTag) TableName() string {
	return "preprint_tags"
}
