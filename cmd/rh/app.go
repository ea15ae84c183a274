package main

import (
	"context"
	"fmt"
	"log"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/zulandar/roundhouse/internal/config"
	"github.com/zulandar/roundhouse/internal/db"
	"github.com/zulandar/roundhouse/internal/ledger"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/recovery"
	"github.com/zulandar/roundhouse/internal/sandbox"
	"github.com/zulandar/roundhouse/internal/session"
	"gorm.io/gorm"
)

// app holds the components every long-running command shares.
type app struct {
	cfg     *config.Config
	db      *gorm.DB
	sandbox *sandbox.Validator
	store   *recovery.Store
	ledger  *ledger.Ledger
	mux     *session.Multiplexer
}

// openApp loads the config, migrates the database and wires the multiplexer
// with the recovery store and ledger as exchange recorders.
func openApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	v, err := sandbox.New(cfg.Sandbox.ApprovedDirectory)
	if err != nil {
		return nil, err
	}

	gormDB, err := db.ConnectAndMigrate(cfg.Database)
	if err != nil {
		return nil, err
	}

	store, err := recovery.NewStore(gormDB)
	if err != nil {
		return nil, err
	}
	led, err := ledger.New(gormDB)
	if err != nil {
		return nil, err
	}

	mux, err := session.New(session.Opts{
		Spawner: &session.ClaudeSpawner{
			ClaudeBinary:    cfg.Claude.Binary,
			MaxTurns:        cfg.Claude.MaxTurns,
			AllowedTools:    cfg.Claude.AllowedTools,
			SkipPermissions: cfg.Claude.SkipPermissions,
		},
		ReadTimeout: cfg.Claude.ReadTimeout,
		Recorders:   []session.Recorder{store, led},
	})
	if err != nil {
		return nil, err
	}

	return &app{cfg: cfg, db: gormDB, sandbox: v, store: store, ledger: led, mux: mux}, nil
}

// close terminates every live session and releases the database.
func (a *app) close(ctx context.Context) {
	if err := a.mux.KillAll(ctx); err != nil {
		log.Printf("rh: kill sessions: %v", err)
	}
	if sqlDB, err := a.db.DB(); err == nil {
		sqlDB.Close()
	}
}

// openStore connects to the database for commands that only touch pointers.
func openStore(configPath string) (*recovery.Store, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.ConnectAndMigrate(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	store, err := recovery.NewStore(gormDB)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if sqlDB, err := gormDB.DB(); err == nil {
			sqlDB.Close()
		}
	}
	return store, closeFn, nil
}

// threadFlag returns the --thread value, or nil when the flag was not given.
func threadFlag(cmd *cobra.Command) (*int64, error) {
	if !cmd.Flags().Changed("thread") {
		return nil, nil
	}
	raw, _ := cmd.Flags().GetString("thread")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid --thread %q: %w", raw, err)
	}
	if err := models.CheckThread(&id); err != nil {
		return nil, fmt.Errorf("invalid --thread %q: %w", raw, err)
	}
	return &id, nil
}

// addKeyFlags registers --user and --thread on cmd.
func addKeyFlags(cmd *cobra.Command, userID *int64) {
	cmd.Flags().Int64VarP(userID, "user", "u", 0, "user id (required)")
	cmd.Flags().StringP("thread", "t", "", "thread id (omit for the main conversation)")
	cmd.MarkFlagRequired("user")
}

func formatThread(threadID *int64) string {
	if threadID == nil {
		return "main"
	}
	return strconv.FormatInt(*threadID, 10)
}
