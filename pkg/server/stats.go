package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/cerver/pkg/dispatch"
	"github.com/marmos91/cerver/pkg/packet"
)

// Stats holds the cerver counters. They are kept whether or not Prometheus
// metrics are enabled.
type Stats struct {
	accepted      atomic.Uint64
	rejected      atomic.Uint64
	authenticated atomic.Uint64
	failedAuth    atomic.Uint64
	packets       atomic.Uint64
	bytes         atomic.Uint64
	badPackets    atomic.Uint64
	malformed     atomic.Uint64

	// packet.Type -> *atomic.Uint64
	byType sync.Map
}

func newStats() *Stats {
	return &Stats{}
}

func (s *Stats) countPacket(t packet.Type, size int) {
	s.packets.Add(1)
	s.bytes.Add(uint64(size))

	counter, ok := s.byType.Load(t)
	if !ok {
		counter, _ = s.byType.LoadOrStore(t, new(atomic.Uint64))
	}
	counter.(*atomic.Uint64).Add(1)
}

func (s *Stats) packetsByType() map[packet.Type]uint64 {
	out := make(map[packet.Type]uint64)
	s.byType.Range(func(k, v any) bool {
		out[k.(packet.Type)] = v.(*atomic.Uint64).Load()
		return true
	})
	return out
}

// StatsSnapshot is a point-in-time copy of the cerver counters.
type StatsSnapshot struct {
	Uptime time.Duration

	ConnectionsAccepted uint64
	ConnectionsRejected uint64
	Authenticated       uint64
	FailedAuth          uint64

	PacketsReceived uint64
	BytesReceived   uint64
	BadPackets      uint64
	MalformedReads  uint64
	PacketsByType   map[packet.Type]uint64

	OnHold  int
	Main    int
	Admin   int
	Clients int

	// LiveConnections counts acquired connections whose reader has not exited.
	LiveConnections int64

	// QueuePending is the number of queued handlers not yet finished.
	QueuePending int

	Handlers      dispatch.LatencySnapshot
	AdminHandlers dispatch.LatencySnapshot
}

// Stats returns a snapshot of the cerver counters and table sizes.
func (c *Cerver) Stats() StatsSnapshot {
	s := StatsSnapshot{
		ConnectionsAccepted: c.stats.accepted.Load(),
		ConnectionsRejected: c.stats.rejected.Load(),
		Authenticated:       c.stats.authenticated.Load(),
		FailedAuth:          c.stats.failedAuth.Load(),
		PacketsReceived:     c.stats.packets.Load(),
		BytesReceived:       c.stats.bytes.Load(),
		BadPackets:          c.stats.badPackets.Load(),
		MalformedReads:      c.stats.malformed.Load(),
		PacketsByType:       c.stats.packetsByType(),
		OnHold:              c.onHold.Len(),
		Main:                c.main.Len(),
		Admin:               c.admin.Len(),
		Clients:             c.registry.ClientCount(),
		LiveConnections:     c.pool.Live(),
		Handlers:            c.dispatcher.Latency().Snapshot(),
		AdminHandlers:       c.adminDispatcher.Latency().Snapshot(),
	}
	if c.queue != nil {
		s.QueuePending = c.queue.Pending()
	}
	if started := c.startedAt.Load(); started > 0 {
		s.Uptime = time.Since(time.Unix(0, started))
	}
	return s
}
