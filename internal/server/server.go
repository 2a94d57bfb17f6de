// Package server exposes the HTTP surface of the bot: the Slack
// interactivity endpoint and a health check.
package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Counter reports live store sizes for the health check.
type Counter interface {
	Counts() (sessions, acks int)
}

// StartOpts holds configuration for the HTTP server.
type StartOpts struct {
	Addr         string // listen address, e.g. ":8080"
	Store        Counter
	Interactions http.HandlerFunc // Slack interactivity request URL handler
	Out          io.Writer
}

// NewRouter builds the Gin router.
func NewRouter(opts StartOpts) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	started := time.Now()
	router.GET("/healthz", handleHealth(opts.Store, started))
	if opts.Interactions != nil {
		router.POST("/slack/interactions", gin.WrapF(opts.Interactions))
	}
	return router
}

func handleHealth(store Counter, started time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		body := gin.H{
			"status":         "ok",
			"uptime_seconds": int(time.Since(started).Seconds()),
		}
		if store != nil {
			sessions, acks := store.Counts()
			body["sessions"] = sessions
			body["pending_acks"] = acks
		}
		c.JSON(http.StatusOK, body)
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Addr == "" {
		return fmt.Errorf("server: listen address is required")
	}
	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", opts.Addr, err)
	}
	return Serve(ctx, ln, opts)
}

// Serve serves on an existing listener until ctx is cancelled.
func Serve(ctx context.Context, ln net.Listener, opts StartOpts) error {
	srv := &http.Server{
		Handler:           NewRouter(opts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "HTTP listening on %s\n", ln.Addr())
	}

	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}
