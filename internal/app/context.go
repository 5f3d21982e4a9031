package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"taskrank/internal/config"
	"taskrank/internal/db"
	"taskrank/internal/domain"
	"taskrank/internal/engine"
	"taskrank/internal/ledger"
	"taskrank/internal/logging"
	"taskrank/internal/migrate"
	"taskrank/internal/ranking"
	"taskrank/internal/settings"
	"taskrank/internal/urgency"
)

// App owns one open workspace and the components built on it.
type App struct {
	DB       *sql.DB
	Config   *config.Config
	Log      *zap.Logger
	Engine   engine.Engine
	Settings *settings.Store
	Urgency  *urgency.Engine
	Ledger   ledger.Ledger
	Ranking  *ranking.Pipeline
}

type Options struct {
	Workspace string
	// Config defaults to the workspace's taskrank.yml, or built-in defaults when absent.
	Config *config.Config
	Log    *zap.Logger
	Now    func() time.Time
}

// Open opens and migrates the workspace database, seeds default settings
// into an empty settings table, and wires change notifications into the ranking.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOptional(opts.Workspace); err != nil {
			return nil, err
		}
	}
	log := logging.OrNop(opts.Log)
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a := New(conn, cfg, log, opts.Now)
	seeded, err := SeedDefaults(ctx, a.Settings, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if seeded {
		log.Info("seeded default settings", zap.String("workspace", opts.Workspace))
	}
	return a, nil
}

// New builds the components over an already migrated database.
func New(conn *sql.DB, cfg *config.Config, log *zap.Logger, now func() time.Time) *App {
	if cfg == nil {
		cfg = config.Default()
	}
	log = logging.OrNop(log)
	if now == nil {
		now = time.Now
	}
	a := &App{DB: conn, Config: cfg, Log: log}
	a.Engine = engine.New(conn, log.Named("engine")).WithClock(now)
	a.Settings = settings.New(conn, log.Named("settings"))
	a.Settings.Repo.Now = now
	a.Settings.Events.Now = now
	a.Urgency = urgency.New(a.Settings, log.Named("urgency"))
	a.Urgency.Now = now
	a.Ledger = ledger.New(conn, cfg.History.KeepOrphanSubtasks)
	a.Ledger.Now = now
	a.Ranking = ranking.New(a.Engine, a.Urgency, log.Named("ranking"))

	a.Engine.OnChange = a.refresh
	a.Settings.OnChange = func(ctx context.Context, key string) {
		if key == domain.SettingUrgencyFormula || key == domain.SettingUrgencyThresholds {
			a.refresh(ctx)
		}
	}
	return a
}

func (a *App) refresh(ctx context.Context) {
	if _, err := a.Ranking.Refresh(ctx); err != nil {
		a.Log.Warn("ranking refresh failed", zap.Error(err))
	}
}

func (a *App) Close() error {
	return a.DB.Close()
}

// SeedDefaults writes the configured urgency formula and thresholds when no
// setting exists yet.
func SeedDefaults(ctx context.Context, store *settings.Store, cfg *config.Config) (bool, error) {
	formula := cfg.Urgency.Formula
	if formula == "" {
		formula = urgency.DefaultFormula
	}
	return store.SeedIfEmpty(ctx, map[string]any{
		domain.SettingUrgencyFormula: domain.FormulaSetting{
			Formula:     formula,
			Description: cfg.Urgency.Description,
			Variables:   urgency.Variables,
		},
		domain.SettingUrgencyThresholds: cfg.Urgency.Thresholds,
	})
}
