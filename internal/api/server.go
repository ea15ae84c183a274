// Package api exposes the session multiplexer over HTTP.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/roundhouse/internal/ledger"
	"github.com/zulandar/roundhouse/internal/recovery"
	"github.com/zulandar/roundhouse/internal/session"
)

// Sessions is the multiplexer surface the API drives.
type Sessions interface {
	Send(ctx context.Context, key session.Key, turn session.Turn) (*session.Result, error)
	Interrupt(key session.Key) bool
	Kill(key session.Key) error
	KillAll(ctx context.Context) error
	Status(key session.Key) (session.Status, bool)
	Enumerate() []session.Status
}

// Opts holds configuration for the API server.
type Opts struct {
	Sessions   Sessions
	Store      *recovery.Store
	Ledger     *ledger.Ledger // optional
	Validator  recovery.DirValidator
	DefaultDir string // working directory for conversations with no pointer
	Listen     string
	Out        io.Writer
}

// NewRouter builds the gin engine serving every route.
func NewRouter(opts Opts) (*gin.Engine, error) {
	if opts.Sessions == nil {
		return nil, fmt.Errorf("api: sessions is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("api: recovery store is required")
	}
	if opts.DefaultDir == "" {
		return nil, fmt.Errorf("api: default directory is required")
	}

	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, &handlers{opts: opts})
	return router, nil
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts Opts) error {
	gin.SetMode(gin.ReleaseMode)
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}
	if opts.Listen == "" {
		opts.Listen = "127.0.0.1:8080"
	}

	srv := &http.Server{
		Addr:    opts.Listen,
		Handler: router,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "API listening on http://%s\n", opts.Listen)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}
