package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"preprint-harvester/models"
)

// Gap ist ein verdächtiges Intervall zwischen zwei aufeinanderfolgenden
// gespeicherten Zeitstempeln, in dem vermutlich Dokumente fehlen.
type Gap struct {
	Start    time.Time     `json:"start"`
	End      time.Time     `json:"end"`
	Duration time.Duration `json:"duration"`
}

// GapService findet Lücken in der Zeitstempelfolge der raw-Tabelle und füllt
// sie über begrenzte Harvest-Läufe nach.
type GapService struct {
	DB        *gorm.DB
	Harvester *Harvester
	Logger    *zap.Logger
}

// NewGapService erstellt einen neuen GapService.
func NewGapService(db *gorm.DB, harvester *Harvester, logger *zap.Logger) *GapService {
	return &GapService{DB: db, Harvester: harvester, Logger: logger}
}

// DetectGaps liest alle date_modified-Werte aufsteigend und meldet jedes
// Paar, dessen Abstand maxGapHours überschreitet.
func (g *GapService) DetectGaps(maxGapHours int) ([]Gap, error) {
	var stamps []time.Time
	err := g.DB.Model(&models.RawPreprint{}).
		Order("date_modified ASC").
		Pluck("date_modified", &stamps).Error
	if err != nil {
		return nil, fmt.Errorf("loading timestamps for gap detection: %w", err)
	}
	if len(stamps) < 2 {
		g.Logger.Info("Not enough data to detect gaps", zap.Int("timestamps", len(stamps)))
		return nil, nil
	}

	threshold := time.Duration(maxGapHours) * time.Hour
	var gaps []Gap
	for i := 1; i < len(stamps); i++ {
		elapsed := stamps[i].Sub(stamps[i-1])
		if elapsed > threshold {
			gaps = append(gaps, Gap{Start: stamps[i-1], End: stamps[i], Duration: elapsed})
			g.Logger.Info("Gap detected",
				zap.Time("start", stamps[i-1]),
				zap.Time("end", stamps[i]),
				zap.Duration("duration", elapsed))
		}
	}
	return gaps, nil
}

// FillGaps spielt den Harvester pro Lücke über [start, end] ab. Im Dry-Run
// wird nur die erste Ergebnisseite ausgezählt und nichts gespeichert.
// Das Füllen ist idempotent: eine bereits gefüllte Lücke liefert null neue
// Dokumente, weil die Upserts bekannte IDs nur auffrischen.
func (g *GapService) FillGaps(ctx context.Context, gaps []Gap, dryRun bool) (int, error) {
	total := 0
	for i, gap := range gaps {
		log := g.Logger.With(
			zap.Int("gap", i+1),
			zap.Int("gaps_total", len(gaps)),
			zap.Time("start", gap.Start),
			zap.Time("end", gap.End))

		if dryRun {
			estimate, err := g.Harvester.EstimateRange(ctx, gap.Start, gap.End)
			if err != nil {
				log.Error("Dry-run estimate failed", zap.Error(err))
				continue
			}
			log.Info("Dry run: first-page estimate of in-range documents",
				zap.Int("estimate", estimate))
			total += estimate
			continue
		}

		saved, err := g.Harvester.HarvestRange(ctx, gap.Start, gap.End)
		total += saved
		if err != nil {
			log.Error("Gap fill aborted", zap.Int("saved", saved), zap.Error(err))
			continue
		}
		log.Info("Gap filled", zap.Int("saved", saved))
	}
	return total, nil
}
