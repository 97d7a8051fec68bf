// Package app wires the workspace database, config template, and engines
// into one bootstrap used by the CLI and server.
package app

import (
	"database/sql"

	"regcycle/internal/assign"
	"regcycle/internal/config"
	"regcycle/internal/db"
	"regcycle/internal/metrics"
	"regcycle/internal/migrate"
	"regcycle/internal/registry"
	"regcycle/internal/repo"
	"regcycle/internal/sla"
	"regcycle/internal/tracker"
)

type App struct {
	DB       *sql.DB
	Config   *config.Config
	Registry *registry.Registry
	Repo     repo.Repo
	Metrics  *metrics.Metrics
	Tracker  *tracker.Tracker
	Assign   *assign.Engine
	Monitor  *sla.Monitor
}

// Open bootstraps the workspace: database, migrations, config, and the
// cross-wired tracker and assignment engine. The tracker hands approval
// work to the engine, and the engine resolves linked activities back
// through the tracker.
func Open(workspace string) (*App, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return New(conn, cfg), nil
}

// New wires an App onto an already-open database.
func New(conn *sql.DB, cfg *config.Config) *App {
	reg := registry.New(cfg)
	m := metrics.New()
	r := repo.Repo{DB: conn}

	eng := assign.New(conn, cfg)
	eng.Metrics = m

	t := tracker.New(conn, cfg, reg)
	t.Assign = eng
	t.DataSources = r
	t.Metrics = m
	eng.Activities = t

	mon := sla.New(r, eng)
	mon.Metrics = m

	return &App{
		DB:       conn,
		Config:   cfg,
		Registry: reg,
		Repo:     r,
		Metrics:  m,
		Tracker:  t,
		Assign:   eng,
		Monitor:  mon,
	}
}

func (a *App) Close() error {
	return a.DB.Close()
}
