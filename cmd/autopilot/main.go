package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"autopromote/internal/audit"
	"autopromote/internal/autopilot"
	"autopromote/internal/bandit"
	"autopromote/internal/config"
	cronrunner "autopromote/internal/cron"
	"autopromote/internal/db"
	"autopromote/internal/handler"
	"autopromote/internal/logger"
	gormrepository "autopromote/internal/repository/gorm"
	"autopromote/internal/service"

	_ "autopromote/docs"
)

func main() {
	cfgPath := os.Getenv("AP_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("AP_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	logger, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	dbConn, err := db.Open(cfg.DB)
	if err != nil {
		logger.Fatal("db open failed", zap.Error(err))
	}
	defer db.Close(dbConn)

	if err := db.SetTimezone(dbConn, cfg.DB.Timezone); err != nil {
		logger.Warn("failed to set timezone", zap.Error(err))
	}
	if err := db.AutoMigrate(dbConn); err != nil {
		logger.Fatal("auto-migrate failed", zap.Error(err))
	}

	store := gormrepository.New(dbConn.Gorm)
	settingsSvc := &service.SystemSettingsService{Repo: store}
	if err := settingsSvc.EnsureDefaultSwitches(context.Background()); err != nil {
		logger.Warn("init default system switches failed", zap.Error(err))
	}

	auditClient := initAuditClient(cfg.Audit, logger)
	var recorder audit.Recorder
	if auditClient != nil {
		recorder = &audit.Gate{
			Recorder: auditClient,
			Enabled: func(ctx context.Context) bool {
				return settingsSvc.IsEnabled(ctx, service.FeatureAuditLog, false)
			},
		}
	}

	applier := &autopilot.Applier{
		Repo:   store,
		Logger: logger,
		Audit:  recorder,
	}
	banditMgr := &bandit.Manager{
		Repo:   store,
		Logger: logger,
		Audit:  recorder,
		Defaults: bandit.Weights{
			Ctr:     cfg.BanditTuner.DefaultCtr,
			Reach:   cfg.BanditTuner.DefaultReach,
			Quality: cfg.BanditTuner.DefaultQuality,
		},
	}
	tuner := &bandit.Tuner{
		Repo:             store,
		Manager:          banditMgr,
		Logger:           logger,
		Window:           cfg.BanditTuner.Window,
		MinEvents:        cfg.BanditTuner.MinEvents,
		LearningRate:     cfg.BanditTuner.LearningRate,
		RollbackDropPct:  cfg.BanditTuner.RollbackDropPct,
		RollbackLookback: cfg.BanditTuner.RollbackLookback,
	}
	sweep := &service.AutopilotSweepService{
		Repo:    store,
		Applier: applier,
		Logger:  logger,
		Config:  cfg.Autopilot,
		Sim:     cfg.Simulation,
		Flags:   settingsSvc,
	}

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	healthHandler := &handler.HealthHandler{DB: dbConn.Gorm}
	healthHandler.Register(engine)
	experimentsHandler := &handler.ExperimentsHandler{
		Repo:      store,
		Applier:   applier,
		Sweep:     sweep,
		Autopilot: cfg.Autopilot,
		Sim:       cfg.Simulation,
	}
	experimentsHandler.Register(engine)
	banditHandler := &handler.BanditHandler{
		Repo:    store,
		Manager: banditMgr,
		Tuner:   tuner,
	}
	banditHandler.Register(engine)
	settingsHandler := &handler.SystemSettingsHandler{Repo: store, Settings: settingsSvc}
	settingsHandler.Register(engine)

	engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: engine,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Cron.Enabled {
		cronRunner := cronrunner.New(logger, ctx)
		if _, err := cronRunner.Add(cfg.Cron.AutopilotSweep, func(ctx context.Context) {
			if err := sweep.ScanOnce(ctx); err != nil {
				logger.Warn("cron autopilot sweep failed", zap.Error(err))
			}
		}); err != nil {
			logger.Warn("cron register autopilot sweep failed", zap.Error(err))
		}
		if _, err := cronRunner.Add(cfg.Cron.BanditTune, func(ctx context.Context) {
			if !settingsSvc.IsEnabled(ctx, service.FeatureBanditTuner, true) {
				return
			}
			outcome, err := tuner.Run(ctx)
			if err != nil {
				logger.Warn("cron bandit tune failed", zap.Error(err))
				return
			}
			if outcome.Applied || outcome.RolledBack {
				logger.Info("cron bandit tune ok",
					zap.Bool("applied", outcome.Applied),
					zap.Bool("rolled_back", outcome.RolledBack),
					zap.Int("events", outcome.Events),
				)
			}
		}); err != nil {
			logger.Warn("cron register bandit tune failed", zap.Error(err))
		}
		cronRunner.Start()
		defer cronRunner.Stop()
	}

	errCh := make(chan error, 2)

	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

func initAuditClient(cfg config.AuditConfig, logger *zap.Logger) *audit.Client {
	base := strings.TrimSpace(cfg.BaseURL)
	apiKey := strings.TrimSpace(cfg.APIKey)
	if base == "" || apiKey == "" {
		return nil
	}

	client := &audit.Client{
		BaseURL: base,
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: cfg.Timeout},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Login(ctx); err != nil {
		if logger != nil {
			logger.Warn("audit login failed (event log disabled)", zap.Error(err))
		}
		return nil
	}
	if logger != nil {
		logger.Info("audit login ok")
	}
	return client
}
