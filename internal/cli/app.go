package cli

import (
	"github.com/pysugar/oauth2-credentials/internal/auth/token"
	"github.com/pysugar/oauth2-credentials/internal/config"
	"github.com/pysugar/oauth2-credentials/internal/db"
	"github.com/pysugar/oauth2-credentials/internal/logging"
	"github.com/pysugar/oauth2-credentials/internal/monitor"
	"github.com/pysugar/oauth2-credentials/internal/upstream"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// App carries the resolved settings and the services commands run on.
// Services are opened lazily so commands that never touch the database
// do not require one.
type App struct {
	configPath string
	dbPath     string
	provider   string
	debug      bool
	jsonLogs   bool

	cfg *config.Config

	gdb     *gorm.DB
	store   *db.CredentialStore
	events  *monitor.TokenMonitor
	manager *token.Manager
}

// configure resolves config file, environment and flags, then sets up
// logging.
func (a *App) configure() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.dbPath != "" {
		cfg.DBPath = a.dbPath
	}
	if a.provider != "" {
		cfg.Provider = a.provider
	}
	if a.debug {
		cfg.LogLevel = "debug"
	}
	a.cfg = cfg

	logging.Setup(cfg.LogLevel, !a.jsonLogs)
	if cfg.Path != "" {
		log.Debug().Str("path", cfg.Path).Msg("Loaded config file")
	}
	return nil
}

// open connects the store, the event monitor and the token manager.
// create allows a missing database file to be created.
func (a *App) open(create bool) error {
	if a.store != nil {
		return nil
	}

	gdb, err := db.InitDB(db.Options{Path: a.cfg.DBPath, Create: create, Debug: a.debug})
	if err != nil {
		return err
	}
	a.gdb = gdb
	a.store = db.NewCredentialStore(gdb, db.WithPath(a.cfg.DBPath))
	a.events = monitor.NewTokenMonitor(gdb)
	a.manager = token.NewManager(a.store, a.clientFor,
		token.WithProvider(a.cfg.Provider),
		token.WithProbeTimeout(a.cfg.ProbeTimeout),
		token.WithEventRecorder(a.events),
	)
	log.Debug().Str("db", a.cfg.DBPath).Str("provider", a.cfg.Provider).Msg("📂 Opened credential store")
	return nil
}

func (a *App) newClient(server string) *upstream.Client {
	return upstream.NewClient(server, upstream.WithTimeout(a.cfg.APITimeout))
}

func (a *App) clientFor(server string) token.APIClient {
	return a.newClient(server)
}

// Close releases the database handle.
func (a *App) Close() {
	if a.gdb == nil {
		return
	}
	if sqlDB, err := a.gdb.DB(); err == nil {
		_ = sqlDB.Close()
	}
	a.gdb, a.store, a.events, a.manager = nil, nil, nil, nil
}
