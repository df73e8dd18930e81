package services

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"preprint-harvester/models"
)

// ViewBuilder baut die denormalisierte Leseansicht preprints_ui. Der
// inkrementelle Modus verarbeitet nur neue und veraltete Zeilen; full baut
// die komplette Ansicht neu auf.
type ViewBuilder struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// NewViewBuilder erstellt einen neuen ViewBuilder.
func NewViewBuilder(db *gorm.DB, logger *zap.Logger) *ViewBuilder {
	return &ViewBuilder{DB: db, Logger: logger}
}

// candidateIDs ermittelt die zu bauenden Preprint-IDs. Neu ist, was noch
// keine View-Zeile hat; veraltet ist, was seit dem letzten Aufbau einen
// neueren date_modified-Stand trägt.
func (v *ViewBuilder) candidateIDs(full bool) ([]string, error) {
	var ids []string

	if full {
		err := v.DB.Model(&models.Preprint{}).Pluck("id", &ids).Error
		if err != nil {
			return nil, fmt.Errorf("querying preprint ids: %w", err)
		}
		return ids, nil
	}

	var fresh []string
	err := v.DB.Model(&models.Preprint{}).
		Joins("LEFT JOIN preprints_ui ON preprints_ui.id = preprints.id").
		Where("preprints_ui.id IS NULL").
		Pluck("preprints.id", &fresh).Error
	if err != nil {
		return nil, fmt.Errorf("querying new view candidates: %w", err)
	}

	var stale []string
	err = v.DB.Model(&models.Preprint{}).
		Joins("JOIN preprints_ui ON preprints_ui.id = preprints.id").
		Where("preprints.date_modified > preprints_ui.last_updated").
		Pluck("preprints.id", &stale).Error
	if err != nil {
		return nil, fmt.Errorf("querying stale view candidates: %w", err)
	}

	return append(fresh, stale...), nil
}

// Rebuild baut die Leseansicht für alle Kandidaten und liefert die Zahl der
// geschriebenen Zeilen. Scheitert ein Batch-Upsert, fällt der Builder auf
// zeilenweise Upserts zurück, damit eine defekte Zeile nicht den ganzen
// Batch verwirft.
func (v *ViewBuilder) Rebuild(full bool, batchSize int) (int, error) {
	ids, err := v.candidateIDs(full)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		v.Logger.Info("View is up to date")
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	v.Logger.Info("Rebuilding view",
		zap.Int("candidates", len(ids)), zap.Bool("full", full))

	written := 0
	for start := 0; start < len(ids); start += batchSize {
		end := start + batchSize
		if end > len(ids) {
			end = len(ids)
		}

		var rows []models.PreprintUI
		for _, id := range ids[start:end] {
			row, err := v.buildRow(id)
			if err != nil {
				v.Logger.Error("Building view row failed",
					zap.String("preprint_id", id), zap.Error(err))
				continue
			}
			rows = append(rows, row)
		}
		if len(rows) == 0 {
			continue
		}

		err := v.DB.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).Create(&rows).Error
		if err != nil {
			v.Logger.Warn("Batch upsert failed, retrying row-wise", zap.Error(err))
			for idx := range rows {
				err := v.DB.Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "id"}},
					UpdateAll: true,
				}).Create(&rows[idx]).Error
				if err != nil {
					v.Logger.Error("Upserting view row failed",
						zap.String("preprint_id", rows[idx].ID), zap.Error(err))
					continue
				}
				written++
			}
			continue
		}
		written += len(rows)
	}

	v.Logger.Info("View rebuild complete", zap.Int("written", written))
	return written, nil
}

type viewContributor struct {
	FullName      string `json:"full_name"`
	ORCID         string `json:"orcid,omitempty"`
	AuthorIndex   int    `json:"author_index"`
	Bibliographic bool   `json:"bibliographic"`
}

type viewSubject struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type viewTag struct {
	Name     string `json:"name"`
	Position int    `json:"position"`
}

// buildRow flacht einen Preprint samt Join-Tabellen in eine View-Zeile ab.
func (v *ViewBuilder) buildRow(id string) (models.PreprintUI, error) {
	var preprint models.Preprint
	if err := v.DB.First(&preprint, "id = ?", id).Error; err != nil {
		return models.PreprintUI{}, fmt.Errorf("loading preprint: %w", err)
	}

	row := models.PreprintUI{
		ID:              preprint.ID,
		Title:           preprint.Title,
		DateCreated:     preprint.DateCreated,
		DateModified:    preprint.DateModified,
		DatePublished:   preprint.DatePublished,
		Provider:        preprint.Provider,
		PublicationDOI:  preprint.PublicationDOI,
		PreprintDOI:     preprint.PreprintDOI,
		DownloadURL:     preprint.DownloadURL,
		License:         preprint.License,
		IsPublished:     preprint.IsPublished,
		ReviewsState:    preprint.ReviewsState,
		Version:         preprint.Version,
		IsLatestVersion: preprint.IsLatestVersion,
		LastUpdated:     time.Now().UTC(),
	}

	var contributors []viewContributor
	err := v.DB.Table("preprint_contributors").
		Select("contributors.full_name, contributors.orcid, preprint_contributors.author_index, preprint_contributors.bibliographic").
		Joins("JOIN contributors ON contributors.id = preprint_contributors.contributor_id").
		Where("preprint_contributors.preprint_id = ?", id).
		Order("preprint_contributors.author_index ASC").
		Scan(&contributors).Error
	if err != nil {
		return models.PreprintUI{}, fmt.Errorf("loading contributors: %w", err)
	}

	var names []string
	for _, c := range contributors {
		// Erstautor ist der Contributor mit dem kleinsten author_index,
		// unabhängig vom bibliographic-Flag. Die Autorenliste enthält nur
		// bibliographische Contributors.
		if row.FirstAuthor == "" && c.FullName != "" {
			row.FirstAuthor = c.FullName
		}
		if !c.Bibliographic || c.FullName == "" {
			continue
		}
		names = append(names, c.FullName)
	}
	row.ContributorsList = strings.Join(names, "; ")
	if len(contributors) > 0 {
		if data, err := json.Marshal(contributors); err == nil {
			row.ContributorsData = datatypes.JSON(data)
		}
	}

	var subjects []viewSubject
	err = v.DB.Table("preprint_subjects").
		Select("subjects.id, subjects.text").
		Joins("JOIN subjects ON subjects.id = preprint_subjects.subject_id").
		Where("preprint_subjects.preprint_id = ?", id).
		Order("subjects.text ASC").
		Scan(&subjects).Error
	if err != nil {
		return models.PreprintUI{}, fmt.Errorf("loading subjects: %w", err)
	}

	var subjectTexts []string
	for _, s := range subjects {
		subjectTexts = append(subjectTexts, s.Text)
	}
	row.SubjectsList = strings.Join(subjectTexts, "; ")
	if len(subjects) > 0 {
		if data, err := json.Marshal(subjects); err == nil {
			row.SubjectsData = datatypes.JSON(data)
		}
	}

	var tags []viewTag
	err = v.DB.Table("preprint_tags").
		Select("tags.name, preprint_tags.position").
		Joins("JOIN tags ON tags.id = preprint_tags.tag_id").
		Where("preprint_tags.preprint_id = ?", id).
		Order("preprint_tags.position ASC").
		Scan(&tags).Error
	if err != nil {
		return models.PreprintUI{}, fmt.Errorf("loading tags: %w", err)
	}

	var tagNames []string
	for _, t := range tags {
		tagNames = append(tagNames, t.Name)
	}
	row.TagsList = strings.Join(tagNames, "; ")
	if len(tags) > 0 {
		if data, err := json.Marshal(tags); err == nil {
			row.TagsData = datatypes.JSON(data)
		}
	}

	return row, nil
}
