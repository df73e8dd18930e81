package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"preprint-harvester/config"
	"preprint-harvester/osfapi"
	"preprint-harvester/services"
	"preprint-harvester/storage"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var (
	harvestedCounter    prometheus.Counter
	ingestedCounter     prometheus.Counter
	ingestErrorsCounter prometheus.Counter
	viewRowsCounter     prometheus.Counter
)

func init() {
	harvestedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harvested_preprints_total",
			Help: "Total number of raw preprint payloads saved.",
		},
	)
	ingestedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingested_preprints_total",
			Help: "Total number of preprints normalized successfully.",
		},
	)
	ingestErrorsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_errors_total",
			Help: "Total number of preprints that failed normalization.",
		},
	)
	viewRowsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "view_rows_rebuilt_total",
			Help: "Total number of denormalized view rows written.",
		},
	)
	prometheus.MustRegister(harvestedCounter, ingestedCounter, ingestErrorsCounter, viewRowsCounter)
}

func apiKeyAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APISecretKey == "" {
			c.Next()
			return
		}
		apiKey := c.GetHeader("X-API-KEY")
		if apiKey != cfg.APISecretKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: Invalid API Key"})
			return
		}
		c.Next()
	}
}

func main() {
	logging, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("Config load error", zap.Error(err))
	}

	// Setup Database
	db, err := storage.Open(cfg)
	if err != nil {
		logging.Fatal("Failed to connect to database", zap.Error(err))
	}
	logging.Info("Successfully connected to preprint database.")

	logging.Info("Running database auto-migration...")
	if err := storage.InitSchema(db); err != nil {
		logging.Fatal("Schema migration failed", zap.Error(err))
	}

	// Setup Payload-Store (inline oder S3)
	payloads, err := storage.NewPayloadStore(cfg)
	if err != nil {
		logging.Fatal("Payload store creation failed", zap.Error(err))
	}
	logging.Info("Payload store ready", zap.String("mode", cfg.PayloadStore))

	// Setup Services
	client := osfapi.NewClient(cfg, logging)
	harvester := services.NewHarvester(cfg, db, client, payloads, logging)
	reconciler := services.NewReconciler(db, logging)
	view := services.NewViewBuilder(db, logging)
	ingestor := services.NewIngestor(cfg, db, payloads, reconciler, view, logging)
	gapService := services.NewGapService(db, harvester, logging)
	maintenance := services.NewMaintenanceService(db, logging)

	// Setup Router
	router := gin.Default()
	router.Use(gin.Recovery())
	router.Use(apiKeyAuthMiddleware(cfg))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	setupPipelineRoutes(router, harvester, ingestor, view, logging)
	setupGapRoutes(router, cfg, gapService, logging)
	setupMaintenanceRoutes(router, maintenance, logging)

	// Setup Cron: nächtlicher Lauf Harvest -> Ingest (Reconcile und
	// View-Refresh hängen am Ingest).
	cronScheduler := cron.New()
	cronScheduler.AddFunc(cfg.CronSchedule, func() {
		logging.Info("Running scheduled harvest job...")
		saved, err := harvester.Harvest(context.Background(), 0)
		if err != nil {
			logging.Error("Scheduled harvest failed", zap.Error(err))
		} else {
			harvestedCounter.Add(float64(saved))
			logging.Info("Scheduled harvest completed", zap.Int("saved", saved))
		}

		stats, err := ingestor.ProcessAllPending(context.Background(), 0, false)
		if err != nil {
			logging.Error("Scheduled ingest failed", zap.Error(err))
		} else {
			ingestedCounter.Add(float64(stats.Success))
			ingestErrorsCounter.Add(float64(stats.Errors))
			logging.Info("Scheduled ingest completed",
				zap.Int("success", stats.Success), zap.Int("errors", stats.Errors))
		}
	})
	cronScheduler.Start()

	logging.Info("Starting server", zap.String("port", cfg.HTTPPort))
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		logging.Fatal("Failed to run server", zap.Error(err))
	}
}

func setupPipelineRoutes(router *gin.Engine, harvester *services.Harvester, ingestor *services.Ingestor, view *services.ViewBuilder, log *zap.Logger) {
	// POST /harvest - inkrementellen Harvest ab Wasserstand anstoßen
	router.POST("/harvest", func(c *gin.Context) {
		var req struct {
			Limit int `json:"limit"`
		}
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
				return
			}
		}

		go func() {
			saved, err := harvester.Harvest(context.Background(), req.Limit)
			if err != nil {
				log.Error("Async harvest failed", zap.Error(err))
			} else {
				harvestedCounter.Add(float64(saved))
				log.Info("Async harvest completed", zap.Int("saved", saved))
			}
		}()
		c.JSON(http.StatusAccepted, gin.H{"message": "Harvest triggered."})
	})

	// POST /ingest - unverdaute Raw-Payloads normalisieren
	router.POST("/ingest", func(c *gin.Context) {
		var req struct {
			Limit int  `json:"limit"`
			Force bool `json:"force"`
		}
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
				return
			}
		}

		go func() {
			stats, err := ingestor.ProcessAllPending(context.Background(), req.Limit, req.Force)
			if err != nil {
				log.Error("Async ingest failed", zap.Error(err))
				return
			}
			ingestedCounter.Add(float64(stats.Success))
			ingestErrorsCounter.Add(float64(stats.Errors))
			log.Info("Async ingest completed",
				zap.Int("processed", stats.Processed),
				zap.Int("success", stats.Success),
				zap.Int("errors", stats.Errors))
		}()
		c.JSON(http.StatusAccepted, gin.H{"message": "Ingest triggered."})
	})

	// POST /view/rebuild - Leseansicht neu aufbauen (full: alles)
	router.POST("/view/rebuild", func(c *gin.Context) {
		var req struct {
			Full      bool `json:"full"`
			BatchSize int  `json:"batch_size"`
		}
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
				return
			}
		}

		go func() {
			written, err := view.Rebuild(req.Full, req.BatchSize)
			if err != nil {
				log.Error("Async view rebuild failed", zap.Error(err))
				return
			}
			viewRowsCounter.Add(float64(written))
			log.Info("Async view rebuild completed", zap.Int("written", written))
		}()
		c.JSON(http.StatusAccepted, gin.H{"message": "View rebuild triggered."})
	})
}

func setupGapRoutes(router *gin.Engine, cfg *config.Config, gapService *services.GapService, log *zap.Logger) {
	rg := router.Group("/gaps")

	// POST /gaps/detect - Lücken im Zeitstrahl melden, ohne zu harvesten
	rg.POST("/detect", func(c *gin.Context) {
		var req struct {
			MaxGapHours int `json:"max_gap_hours"`
		}
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
				return
			}
		}
		if req.MaxGapHours <= 0 {
			req.MaxGapHours = cfg.MaxGapHours
		}

		gaps, err := gapService.DetectGaps(req.MaxGapHours)
		if err != nil {
			log.Error("Gap detection failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": len(gaps), "gaps": gaps})
	})

	// POST /gaps/fill - erkannte Lücken nachharvesten (dry_run: nur zählen)
	rg.POST("/fill", func(c *gin.Context) {
		var req struct {
			MaxGapHours int  `json:"max_gap_hours"`
			DryRun      bool `json:"dry_run"`
		}
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
				return
			}
		}
		if req.MaxGapHours <= 0 {
			req.MaxGapHours = cfg.MaxGapHours
		}

		gaps, err := gapService.DetectGaps(req.MaxGapHours)
		if err != nil {
			log.Error("Gap detection failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		if len(gaps) == 0 {
			c.JSON(http.StatusOK, gin.H{"message": "No gaps found."})
			return
		}

		go func() {
			saved, err := gapService.FillGaps(context.Background(), gaps, req.DryRun)
			if err != nil {
				log.Error("Async gap fill failed", zap.Error(err))
				return
			}
			if !req.DryRun {
				harvestedCounter.Add(float64(saved))
			}
			log.Info("Async gap fill completed",
				zap.Int("gaps", len(gaps)), zap.Int("saved", saved), zap.Bool("dry_run", req.DryRun))
		}()
		c.JSON(http.StatusAccepted, gin.H{"message": "Gap fill triggered.", "gaps": len(gaps)})
	})
}

func setupMaintenanceRoutes(router *gin.Engine, maintenance *services.MaintenanceService, log *zap.Logger) {
	// POST /maintenance/optimize - Indizes, ANALYZE, VACUUM
	router.POST("/maintenance/optimize", func(c *gin.Context) {
		go func() {
			if err := maintenance.Optimize(); err != nil {
				log.Error("Async maintenance failed", zap.Error(err))
			}
		}()
		c.JSON(http.StatusAccepted, gin.H{"message": "Maintenance triggered."})
	})

	// POST /maintenance/reset - Ingest-Tabellen leeren (scope "all":
	// komplettes Schema neu anlegen). Synchron, weil der Aufrufer das
	// Ergebnis vor dem nächsten Ingest kennen muss.
	router.POST("/maintenance/reset", func(c *gin.Context) {
		var req struct {
			Scope string `json:"scope"`
		}
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
				return
			}
		}

		switch req.Scope {
		case "", "ingest":
			if err := maintenance.ResetIngestion(); err != nil {
				log.Error("Ingestion reset failed", zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"message": "Ingestion tables reset."})
		case "all":
			if err := maintenance.ResetSchema(); err != nil {
				log.Error("Schema reset failed", zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"message": "Database schema reset."})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid scope"})
		}
	})

	// GET /status - Pipeline-Zähler
	router.GET("/status", func(c *gin.Context) {
		status, err := maintenance.Snapshot()
		if err != nil {
			log.Error("Status snapshot failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, status)
	})
}
