package services

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"preprint-harvester/models"
)

// versionMarker trennt Basis-ID und Versionssuffix in OSF-IDs ("abc12_v3").
const versionMarker = "_v"

// ParsePreprintID zerlegt eine Preprint-ID in Basis-ID und Versionsnummer.
// Ohne Versionssuffix (oder mit nicht-numerischem Suffix) gilt Version 1 und
// die ID selbst ist die Basis.
func ParsePreprintID(id string) (string, int) {
	idx := strings.LastIndex(id, versionMarker)
	if idx <= 0 {
		return id, 1
	}
	version, err := strconv.Atoi(id[idx+len(versionMarker):])
	if err != nil || version < 1 {
		return id, 1
	}
	return id[:idx], version
}

// Reconciler stellt die Versions-Invariante wieder her: pro Basis-ID trägt
// genau die Zeile mit der höchsten Version is_latest_version=true.
type Reconciler struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// NewReconciler erstellt einen neuen Reconciler.
func NewReconciler(db *gorm.DB, logger *zap.Logger) *Reconciler {
	return &Reconciler{DB: db, Logger: logger}
}

type versionRow struct {
	ID              string
	BaseID          string
	Version         int
	DateModified    time.Time
	IsLatestVersion bool
}

// rankPreprintVersions sortiert eine Versionsgruppe absteigend. Gleichstand
// bei der Version entscheidet date_modified (neuer zuerst), danach die ID
// aufsteigend — deterministisch, im Gegensatz zur Einfüge-Reihenfolge.
func rankPreprintVersions(group []versionRow) {
	sort.SliceStable(group, func(i, j int) bool {
		if group[i].Version != group[j].Version {
			return group[i].Version > group[j].Version
		}
		if !group[i].DateModified.Equal(group[j].DateModified) {
			return group[i].DateModified.After(group[j].DateModified)
		}
		return group[i].ID < group[j].ID
	})
}

// FixVersionFlags berechnet pro Basis-ID das korrekte Latest-Flag und
// schreibt nur die Zeilen um, deren aktuelles Flag abweicht. Wiederholte
// Aufrufe ohne Datenänderung führen null Updates aus.
func (r *Reconciler) FixVersionFlags() (int, error) {
	var rows []versionRow
	err := r.DB.Model(&models.Preprint{}).
		Select("id", "base_id", "version", "date_modified", "is_latest_version").
		Find(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("loading preprint versions: %w", err)
	}

	groups := make(map[string][]versionRow)
	for _, row := range rows {
		base := row.BaseID
		if base == "" {
			base, _ = ParsePreprintID(row.ID)
		}
		groups[base] = append(groups[base], row)
	}

	updated := 0
	for _, group := range groups {
		rankPreprintVersions(group)
		for i, row := range group {
			want := i == 0
			if row.IsLatestVersion == want {
				continue
			}
			err := r.DB.Model(&models.Preprint{}).
				Where("id = ?", row.ID).
				Update("is_latest_version", want).Error
			if err != nil {
				return updated, fmt.Errorf("updating version flag for %s: %w", row.ID, err)
			}
			r.Logger.Debug("Corrected version flag",
				zap.String("preprint_id", row.ID),
				zap.Bool("is_latest_version", want))
			updated++
		}
	}
	return updated, nil
}

// relationshipTables sind die Join-Tabellen mit denormalisierter
// Latest-Flag-Kopie.
var relationshipTables = []string{
	"preprint_contributors",
	"preprint_subjects",
	"preprint_tags",
}

// FixRelationshipFlags zieht das inzwischen korrekte Eltern-Flag in jede
// Join-Tabelle nach. Es werden nur abweichende Zeilen angefasst.
func (r *Reconciler) FixRelationshipFlags() (int, error) {
	total := 0
	for _, table := range relationshipTables {
		stmt := fmt.Sprintf(
			`UPDATE %[1]s SET is_latest_version = (SELECT p.is_latest_version FROM preprints p WHERE p.id = %[1]s.preprint_id) WHERE is_latest_version <> (SELECT p.is_latest_version FROM preprints p WHERE p.id = %[1]s.preprint_id)`,
			table,
		)
		res := r.DB.Exec(stmt)
		if res.Error != nil {
			return total, fmt.Errorf("propagating flags into %s: %w", table, res.Error)
		}
		total += int(res.RowsAffected)
	}
	return total, nil
}

// Reconcile führt beide Durchgänge aus und liefert die Update-Zahlen.
func (r *Reconciler) Reconcile() (int, int, error) {
	parents, err := r.FixVersionFlags()
	if err != nil {
		return parents, 0, err
	}
	rels, err := r.FixRelationshipFlags()
	if err != nil {
		return parents, rels, err
	}
	if parents > 0 || rels > 0 {
		r.Logger.Info("Version reconciliation applied updates",
			zap.Int("parent_rows", parents),
			zap.Int("relationship_rows", rels))
	}
	return parents, rels, nil
}
