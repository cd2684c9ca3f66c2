package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/marmos91/cerver/internal/logger"
	"github.com/marmos91/cerver/pkg/auth"
	"github.com/marmos91/cerver/pkg/config"
	"github.com/marmos91/cerver/pkg/dispatch"
	"github.com/marmos91/cerver/pkg/events"
	"github.com/marmos91/cerver/pkg/metrics"
	"github.com/marmos91/cerver/pkg/packet"
	"github.com/marmos91/cerver/pkg/server"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the cerver",
	Long: `Run the cerver until SIGINT or SIGTERM.

APP packets are echoed back to the sender. When the admin table is enabled,
APP packets from admins are broadcast to every main connection.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runServe(cmd.Context(), cfg)
	},
}

func runServe(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The metrics server is created before the cerver, its health check
	// reaches the cerver through this variable.
	var cerver *server.Cerver
	metrics.Version = version
	m := config.InitializeMetrics(cfg, func() error {
		if cerver == nil {
			return server.ErrNotServing
		}
		return cerver.Healthy()
	})

	cerver = server.New(cfg.Cerver, m.CerverMetrics)

	if cfg.Cerver.Auth.Enabled {
		admins := make([]string, 0, len(cfg.Cerver.Admin.Users))
		for _, name := range cfg.Cerver.Admin.Users {
			admins = append(admins, strings.ToLower(name))
		}
		pa, err := auth.NewPasswordAuthenticator(cfg.Users, admins)
		if err != nil {
			return fmt.Errorf("password authenticator: %w", err)
		}
		cerver.SetAuthenticator(pa)
	}

	if err := registerHandlers(cerver, cfg.Cerver.Workers.Count > 0); err != nil {
		return err
	}
	logEvents(cerver)

	logger.Info("cerver %s starting", version)
	logger.Info("  Name: %s", cfg.Cerver.Name)
	logger.Info("  Port: %d", cfg.Cerver.Port)
	logger.Info("  Protocol: %#x v%d", cfg.Cerver.ProtocolID, cfg.Cerver.ProtocolVersion)
	logger.Info("  Tables: main=%d on-hold=%d admin=%d",
		cfg.Cerver.Tables.Main, cfg.Cerver.Tables.OnHold, cfg.Cerver.Tables.Admin)
	logger.Info("  Authentication: %v (sessions=%v, users=%d)",
		cfg.Cerver.Auth.Enabled, cfg.Cerver.Auth.Sessions, len(cfg.Users))
	if cfg.Cerver.Workers.Count > 0 {
		logger.Info("  Workers: %d (queue %d)", cfg.Cerver.Workers.Count, cfg.Cerver.Workers.QueueSize)
	}

	metricsDone := make(chan error, 1)
	if m.Enabled() {
		go func() { metricsDone <- m.Server.Start(ctx) }()
	} else {
		close(metricsDone)
	}

	serverDone := make(chan error, 1)
	go func() { serverDone <- cerver.Serve(ctx) }()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received, initiating graceful shutdown...")
		serveErr = <-serverDone
	case serveErr = <-serverDone:
	case err := <-metricsDone:
		if err != nil {
			logger.Error("Metrics server error: %v", err)
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			_ = cerver.Stop(stopCtx)
			cancel()
			serveErr = errors.Join(err, <-serverDone)
		}
	}

	if m.Enabled() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.Server.Stop(stopCtx); err != nil {
			logger.Warn("Metrics server stop: %v", err)
		}
		cancel()
	}

	if serveErr != nil {
		logger.Error("Server error: %v", serveErr)
		return serveErr
	}
	logger.Info("Server stopped gracefully")
	return nil
}

// registerHandlers installs the handlers served by the cerver command. Admin
// broadcasts run on the work queue when one is configured.
func registerHandlers(c *server.Cerver, queued bool) error {
	echo := dispatch.HandlerFunc(func(req *dispatch.Request) error {
		return req.Conn.Send(req.Packet)
	})
	if err := c.Handle(packet.TypeApp, echo, dispatch.ModeInline); err != nil {
		return err
	}

	announce := dispatch.HandlerFunc(func(req *dispatch.Request) error {
		n := c.Broadcast(req.Packet)
		logger.Debug("Admin %s broadcast %d bytes to %d connections",
			req.Client.Name, len(req.Packet.Body), n)
		return nil
	})
	mode := dispatch.ModeInline
	if queued {
		mode = dispatch.ModeQueued
	}
	return c.HandleAdmin(packet.TypeApp, announce, mode)
}

func logEvents(c *server.Cerver) {
	for _, t := range []events.Type{
		events.ClientConnected,
		events.ClientDisconnected,
		events.ClientDropped,
		events.ClientFailedAuth,
		events.AdminConnected,
		events.AdminDisconnected,
	} {
		c.On(t, func(ev events.Event) {
			fields := logger.Fields{"event": ev.Type.String()}
			if ev.Conn != nil {
				fields["peer"] = ev.Conn.Peer()
			}
			if ev.Client != nil {
				fields["client"] = ev.Client.ID
				fields["name"] = ev.Client.Name
			}
			if ev.Err != nil {
				fields["error"] = ev.Err.Error()
			}
			logger.With(fields).Info("cerver event")
		}, events.Async())
	}
}
