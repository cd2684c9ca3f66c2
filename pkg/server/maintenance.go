package server

import (
	"context"
	"time"

	"github.com/marmos91/cerver/internal/logger"
	"github.com/marmos91/cerver/pkg/connection"
	"github.com/marmos91/cerver/pkg/multiplexer"
)

// updateLoop runs the tick update at Update.TicksPerSecond until ctx is
// cancelled.
func (c *Cerver) updateLoop(ctx context.Context) {
	if c.config.Update.TicksPerSecond <= 0 {
		return
	}

	ticker := time.NewTicker(time.Second / time.Duration(c.config.Update.TicksPerSecond))
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.updates.RLock()
			fn := c.update
			c.updates.RUnlock()

			if fn != nil {
				c.safely("update", func() { fn(UpdateContext{Cerver: c, Delta: now.Sub(last)}) })
			}
			last = now
		}
	}
}

// intervalLoop runs the interval update every Update.Interval.
func (c *Cerver) intervalLoop(ctx context.Context) {
	if c.config.Update.Interval <= 0 {
		return
	}

	ticker := time.NewTicker(c.config.Update.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.updates.RLock()
			fn := c.updateInterval
			c.updates.RUnlock()

			if fn != nil {
				c.safely("interval update", func() { fn(c) })
			}
		}
	}
}

// inactiveLoop drops connections silent for longer than
// Inactive.MaxInactiveTime.
func (c *Cerver) inactiveLoop(ctx context.Context) {
	if c.config.Inactive.MaxInactiveTime <= 0 {
		return
	}

	ticker := time.NewTicker(c.config.Inactive.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.sweepInactive(time.Now()); n > 0 {
				logger.Info("Dropped %d inactive connection(s)", n)
			}
		}
	}
}

// sweepInactive drops every connection whose last activity is older than
// MaxInactiveTime at now. Each table is swept on its own goroutine so the
// drop never races a delivery.
func (c *Cerver) sweepInactive(now time.Time) int {
	limit := c.config.Inactive.MaxInactiveTime
	dropped := 0

	for _, m := range []*multiplexer.Multiplexer{c.onHold, c.main, c.admin} {
		err := m.Do(func() {
			for _, conn := range m.Connections() {
				if now.Sub(conn.LastActivity()) < limit {
					continue
				}
				logger.Debug("Connection %s inactive since %v", conn, conn.LastActivity().Format(time.RFC3339))
				if err := m.Drop(conn, ErrInactive); err == nil {
					dropped++
				}
			}
		})
		if err != nil {
			logger.Debug("Inactive sweep of %s skipped: %v", m.Name(), err)
		}
	}
	return dropped
}

// safely runs an application callback, logging a panic instead of crashing
// the loop that called it.
func (c *Cerver) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic in %s: %v", what, r)
		}
	}()
	fn()
}

// logMetrics periodically logs cerver statistics.
func (c *Cerver) logMetrics(ctx context.Context) {
	ticker := time.NewTicker(c.config.MetricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := c.Stats()
			logger.With(logger.Fields{
				"on_hold":   s.OnHold,
				"main":      s.Main,
				"admin":     s.Admin,
				"clients":   s.Clients,
				"accepted":  s.ConnectionsAccepted,
				"rejected":  s.ConnectionsRejected,
				"packets":   s.PacketsReceived,
				"bytes":     s.BytesReceived,
				"bad":       s.BadPackets,
				"malformed": s.MalformedReads,
				"p99":       s.Handlers.P99,
			}).Info("Cerver stats")
		}
	}
}

// Connections returns a snapshot of the connections on every table.
func (c *Cerver) Connections() []*connection.Connection {
	out := c.onHold.Connections()
	out = append(out, c.main.Connections()...)
	return append(out, c.admin.Connections()...)
}
