package main

import (
	"context"
	crypto_rand "crypto/rand"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/labcase/labcase/internal/config"
	"github.com/labcase/labcase/internal/domain/casemgmt"
	"github.com/labcase/labcase/internal/domain/casenotify"
	"github.com/labcase/labcase/internal/domain/labresult"
	"github.com/labcase/labcase/internal/platform/auth"
	"github.com/labcase/labcase/internal/platform/db"
	"github.com/labcase/labcase/internal/platform/metrics"
	"github.com/labcase/labcase/internal/platform/middleware"
	"github.com/labcase/labcase/internal/platform/notification"
)

const (
	rescanBatchSize  = casemgmt.DefaultRescanLimit
	defaultBodyLimit = "256K"
	webhookBodyLimit = "8M"
	requestTimeout   = 30 * time.Second
)

// app holds the wired intake pipeline and notification scheduler.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	pool   *pgxpool.Pool
	proc   *casemgmt.Processor
	sched  *casenotify.Scheduler
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// loadConfig loads and validates configuration, returning a logger suited
// to the configured environment.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, newLogger(os.Getenv("ENV")), err
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		return nil, logger, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, logger, nil
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	var (
		store     *casemgmt.Store
		results   labresult.Repository
		notes     casenotify.NotificationRepository
		templates notification.TemplateStore
	)
	if cfg.UsesPostgres() {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
		if err != nil {
			return nil, err
		}
		a.pool = pool
		store = casemgmt.NewPGStore(pool)
		results = labresult.NewRepoPG(pool)
		notes = casenotify.NewRepoPG(pool)
		templates = notification.NewPGTemplates(pool)
		logger.Info().Msg("connected to database")
	} else {
		mem := casemgmt.NewMemoryStore()
		if err := seedMemoryStore(mem, cfg); err != nil {
			return nil, err
		}
		store = mem.Store()
		results = labresult.NewMemoryRepo()
		notes = casenotify.NewMemoryRepo()
		templates = notification.NewMemoryTemplates(defaultTemplates(cfg)...)
		logger.Warn().
			Int("managers", len(cfg.MemoryManagers)).
			Strs("enabled_accounts", cfg.MemoryEnabledAccounts).
			Msg("using in-memory store; state is lost on exit")
	}

	granularity := casemgmt.PerPatient
	if cfg.PerTestCases() {
		granularity = casemgmt.PerPatientTest
	}
	a.proc = casemgmt.NewProcessor(store, results,
		labresult.DefaultRegistry(cfg.CrelioAccountID, cfg.SpotDxAccountID),
		casemgmt.Options{Granularity: granularity, Auditor: casemgmt.NewLogAuditor(logger)},
		logger)

	key, err := resolveSigningKey(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	signer, err := auth.NewCaseLinkSigner(key, cfg.CaseLinkTTL)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.sched = casenotify.NewScheduler(store.Cases, store.Managers, notes,
		notification.NewTemplateEngine(templates), newSender(cfg, logger), signer,
		casenotify.Config{
			InitialTemplateID:  cfg.InitialTemplateID,
			ReminderTemplateID: cfg.ReminderTemplateID,
			ReminderDelay:      cfg.ReminderDelay,
			Interval:           cfg.SweepInterval,
			PortalBaseURL:      cfg.PortalBaseURL,
		}, logger)

	return a, nil
}

func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// resolveSigningKey decodes the configured case link key. Outside production
// a missing key is replaced by a random one, which invalidates links on
// restart.
func resolveSigningKey(cfg *config.Config, logger zerolog.Logger) ([]byte, error) {
	key, err := cfg.SigningKey()
	if err != nil {
		return nil, err
	}
	if key != nil {
		return key, nil
	}
	if cfg.IsProduction() {
		return nil, fmt.Errorf("CASE_LINK_SIGNING_KEY is required in production")
	}
	key = make([]byte, 32)
	if _, err := crypto_rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	logger.Warn().Msg("CASE_LINK_SIGNING_KEY not set; using an ephemeral key")
	return key, nil
}

func newSender(cfg *config.Config, logger zerolog.Logger) notification.EmailSender {
	if cfg.SendGridAPIKey == "" {
		logger.Warn().Msg("SENDGRID_API_KEY not set; notification emails are logged only")
		return notification.NewLogSender(logger)
	}
	return notification.NewSendGridSender(cfg.SendGridAPIKey, cfg.EmailFrom, cfg.EmailFromName)
}

// seedMemoryStore creates the configured case managers and enables case
// management globally and for each configured account. With nothing
// configured every abnormal result is out of scope.
func seedMemoryStore(m *casemgmt.MemoryStore, cfg *config.Config) error {
	seeds, err := cfg.ManagerSeeds()
	if err != nil {
		return err
	}
	for _, s := range seeds {
		m.AddManager(casemgmt.CaseManager{Name: s.Name, Email: s.Email, IsActive: true, CanBeAssignedCases: true})
	}
	if len(cfg.MemoryEnabledAccounts) > 0 {
		m.SetGlobal(true)
	}
	for _, acct := range cfg.MemoryEnabledAccounts {
		m.SetAccount(acct, nil, true)
	}
	return nil
}

// defaultTemplates mirrors the rows seeded by migration 004 for the
// in-memory store.
func defaultTemplates(cfg *config.Config) []notification.Template {
	return []notification.Template{
		{
			ID:      cfg.InitialTemplateID,
			Name:    "case-initial-alert",
			Subject: "New abnormal lab result for patient born {{patientDOB}}",
			Body:    "Hello {{caseManagerName}},\n\nA case assigned to you has a new abnormal lab result.\nReview it here: {{caseURL}}\n",
		},
		{
			ID:      cfg.ReminderTemplateID,
			Name:    "case-reminder",
			Subject: "Reminder: abnormal lab result awaiting review (patient born {{patientDOB}})",
			Body:    "Hello {{caseManagerName}},\n\nThis case is still waiting for your review.\nOpen it here: {{caseURL}}\n",
		},
	}
}

func (a *app) server() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger, "/health", "/metrics"))
	e.Use(metrics.Middleware())
	e.Use(middleware.BodyLimit(defaultBodyLimit, webhookBodyLimit))
	e.Use(middleware.RequestTimeout(requestTimeout))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(a.pool))
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	casemgmt.NewHandler(a.proc, a.logger).RegisterRoutes(e.Group(""))
	casenotify.NewHandler(a.sched).RegisterRoutes(e.Group("/case-management", middleware.SecurityHeaders()))

	return e
}
