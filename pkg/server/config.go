package server

import (
	"fmt"
	"time"

	"github.com/marmos91/cerver/internal/bufpool"
	"github.com/marmos91/cerver/pkg/auth"
	"github.com/marmos91/cerver/pkg/packet"
)

// Config holds the parameters of a Cerver.
//
// Default values (applied by New if zero):
//   - Name: "cerver"
//   - ReceiveBufferSize: 4KB
//   - MaxPacketSize: 16MB
//   - PollTimeout: 2s
//   - WriteTimeout: 30s
//   - ShutdownTimeout: 30s
//   - Tables: main 64, on-hold 32, admin 8
//   - Auth: 3 tries, 4 bad packets, 10s timeout
//   - Workers: queue of 64
//   - Inactive: checked every 30s when MaxInactiveTime is set
//
// Port 0 listens on a free port; Port reports the one chosen.
type Config struct {
	// Name is sent to clients in the welcome packet.
	Name string `mapstructure:"name" validate:"required"`

	// Welcome is an optional message sent in the welcome packet.
	Welcome string `mapstructure:"welcome"`

	// Port is the TCP port to listen on.
	Port int `mapstructure:"port" validate:"min=0,max=65535"`

	// ProtocolID and ProtocolVersion are stamped on every packet the cerver
	// sends and, with CheckPackets, required on every packet it receives.
	ProtocolID      uint32 `mapstructure:"protocol_id"`
	ProtocolVersion uint32 `mapstructure:"protocol_version"`

	// CheckPackets discards packets carrying another protocol id or version
	// and counts them as bad packets.
	CheckPackets bool `mapstructure:"check_packets"`

	// ReceiveBufferSize is the size of a single socket read.
	ReceiveBufferSize int `mapstructure:"receive_buffer_size" validate:"min=0"`

	// MaxPacketSize caps the declared size of an inbound packet. Larger
	// packets are treated as malformed.
	MaxPacketSize uint64 `mapstructure:"max_packet_size"`

	// PollTimeout is the multiplexer liveness tick. It also bounds how long a
	// multiplexer takes to notice shutdown.
	PollTimeout time.Duration `mapstructure:"poll_timeout" validate:"min=0"`

	// WriteTimeout bounds each packet write.
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"min=0"`

	// ShutdownTimeout bounds the graceful shutdown of Serve.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=0"`

	// Tables sizes the multiplexer tables.
	Tables TablesConfig `mapstructure:"tables"`

	// AcceptRate limits new connections per second. 0 disables limiting.
	AcceptRate float64 `mapstructure:"accept_rate" validate:"min=0"`

	// AcceptBurst is the number of connections accepted at once before
	// AcceptRate applies.
	AcceptBurst int `mapstructure:"accept_burst" validate:"min=0"`

	Auth     AuthConfig     `mapstructure:"auth"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Workers  WorkersConfig  `mapstructure:"workers"`
	Inactive InactiveConfig `mapstructure:"inactive"`
	Update   UpdateConfig   `mapstructure:"update"`

	// MetricsLogInterval is the interval at which stats are logged.
	// 0 disables periodic logging.
	MetricsLogInterval time.Duration `mapstructure:"metrics_log_interval" validate:"min=0"`
}

// TablesConfig sizes the three multiplexer tables. The main table grows on
// demand from its initial size; on-hold and admin tables are fixed and
// reject connections once full.
type TablesConfig struct {
	Main   int `mapstructure:"main" validate:"min=0"`
	OnHold int `mapstructure:"on_hold" validate:"min=0"`
	Admin  int `mapstructure:"admin" validate:"min=0"`
}

// AuthConfig controls the on-hold authentication gate.
type AuthConfig struct {
	// Enabled routes new connections through the on-hold table. When false
	// every connection joins the main table as an anonymous client.
	Enabled bool `mapstructure:"enabled"`

	// MaxTries is the number of failed attempts that drops a connection.
	MaxTries int `mapstructure:"max_tries" validate:"min=0"`

	// MaxBadPackets is the number of unexpected packets that drops an
	// on-hold connection.
	MaxBadPackets int `mapstructure:"max_bad_packets" validate:"min=0"`

	// Sessions hands every new client a session token that later
	// connections can authenticate with.
	Sessions bool `mapstructure:"sessions"`

	// Timeout bounds a single authenticator call.
	Timeout time.Duration `mapstructure:"timeout" validate:"min=0"`
}

// AdminConfig controls the admin table.
type AdminConfig struct {
	// Enabled places identities marked admin on the admin table.
	Enabled bool `mapstructure:"enabled"`

	// Users lists the user names that authenticate as admins.
	Users []string `mapstructure:"users"`
}

// WorkersConfig sizes the work queue used by queued handlers. Count 0
// disables the queue.
type WorkersConfig struct {
	Count     int `mapstructure:"count" validate:"min=0"`
	QueueSize int `mapstructure:"queue_size" validate:"min=0"`
}

// InactiveConfig drops connections that stay silent for too long.
// MaxInactiveTime 0 disables the sweep.
type InactiveConfig struct {
	MaxInactiveTime time.Duration `mapstructure:"max_inactive_time" validate:"min=0"`
	CheckInterval   time.Duration `mapstructure:"check_interval" validate:"min=0"`
}

// UpdateConfig drives the update functions set with SetUpdate and
// SetUpdateInterval.
type UpdateConfig struct {
	// TicksPerSecond is the rate of the tick update. 0 disables it.
	TicksPerSecond int `mapstructure:"ticks_per_second" validate:"min=0"`

	// Interval is the period of the interval update. 0 disables it.
	Interval time.Duration `mapstructure:"interval" validate:"min=0"`
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "cerver"
	}
	if c.ReceiveBufferSize == 0 {
		c.ReceiveBufferSize = bufpool.SmallSize
	}
	if c.MaxPacketSize == 0 {
		c.MaxPacketSize = packet.DefaultMaxPacketSize
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = 2 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.Tables.Main == 0 {
		c.Tables.Main = 64
	}
	if c.Tables.OnHold == 0 {
		c.Tables.OnHold = 32
	}
	if c.Tables.Admin == 0 {
		c.Tables.Admin = 8
	}
	if c.Auth.MaxTries == 0 {
		c.Auth.MaxTries = 3
	}
	if c.Auth.MaxBadPackets == 0 {
		c.Auth.MaxBadPackets = 4
	}
	if c.Auth.Timeout == 0 {
		c.Auth.Timeout = auth.DefaultTimeout
	}
	if c.Workers.Count > 0 && c.Workers.QueueSize == 0 {
		c.Workers.QueueSize = 64
	}
	if c.Inactive.MaxInactiveTime > 0 && c.Inactive.CheckInterval == 0 {
		c.Inactive.CheckInterval = 30 * time.Second
	}
}

func (c *Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be 0-65535", c.Port)
	}
	if c.MaxPacketSize < packet.HeaderSize {
		return fmt.Errorf("invalid MaxPacketSize %d: must be >= %d", c.MaxPacketSize, packet.HeaderSize)
	}
	if c.ReceiveBufferSize < 1 {
		return fmt.Errorf("invalid ReceiveBufferSize %d: must be > 0", c.ReceiveBufferSize)
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("invalid PollTimeout %v: must be > 0", c.PollTimeout)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid ShutdownTimeout %v: must be > 0", c.ShutdownTimeout)
	}
	if c.Tables.Main < 1 || c.Tables.OnHold < 1 || c.Tables.Admin < 1 {
		return fmt.Errorf("invalid Tables %+v: every table needs at least one slot", c.Tables)
	}
	if c.Auth.MaxTries < 1 {
		return fmt.Errorf("invalid Auth.MaxTries %d: must be > 0", c.Auth.MaxTries)
	}
	if c.Auth.MaxBadPackets < 1 {
		return fmt.Errorf("invalid Auth.MaxBadPackets %d: must be > 0", c.Auth.MaxBadPackets)
	}
	if c.Auth.Sessions && !c.Auth.Enabled {
		return fmt.Errorf("sessions require authentication to be enabled")
	}
	if c.AcceptRate < 0 || c.AcceptBurst < 0 {
		return fmt.Errorf("invalid accept limit %v/%d: must be >= 0", c.AcceptRate, c.AcceptBurst)
	}
	if c.Workers.Count < 0 || c.Workers.QueueSize < 0 {
		return fmt.Errorf("invalid Workers %+v: must be >= 0", c.Workers)
	}
	if c.Update.TicksPerSecond < 0 || c.Update.Interval < 0 {
		return fmt.Errorf("invalid Update %+v: must be >= 0", c.Update)
	}
	if c.Inactive.MaxInactiveTime < 0 || c.Inactive.CheckInterval < 0 {
		return fmt.Errorf("invalid Inactive %+v: must be >= 0", c.Inactive)
	}
	return nil
}

// Validate reports whether New would accept c once defaults are applied.
func (c Config) Validate() error {
	c.applyDefaults()
	return c.validate()
}
