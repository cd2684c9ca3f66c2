package multiplexer

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/cerver/pkg/connection"
	"github.com/marmos91/cerver/pkg/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ===== Test Helper Functions =====

var proto = packet.Protocol{ID: 1, Version: 1}

type recordingSink struct {
	mu        sync.Mutex
	delivered []string
	malformed []error
	closed    []error
	onDeliver func(c *connection.Connection, p *packet.Packet)
	closedCh  chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{closedCh: make(chan struct{}, 16)}
}

func (s *recordingSink) Deliver(c *connection.Connection, p *packet.Packet) {
	s.mu.Lock()
	s.delivered = append(s.delivered, string(p.Body))
	hook := s.onDeliver
	s.mu.Unlock()
	if hook != nil {
		hook(c, p)
	}
	p.Release()
}

func (s *recordingSink) Malformed(c *connection.Connection, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.malformed = append(s.malformed, err)
}

func (s *recordingSink) Closed(c *connection.Connection, reason error) {
	s.mu.Lock()
	s.closed = append(s.closed, reason)
	s.mu.Unlock()
	s.closedCh <- struct{}{}
}

func (s *recordingSink) bodies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.delivered...)
}

func startMux(t *testing.T, opts Options, sink PacketSink) *Multiplexer {
	t.Helper()
	if opts.PollTimeout == 0 {
		opts.PollTimeout = 50 * time.Millisecond
	}
	m := New(opts, sink)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return m
}

func connectedPair(t *testing.T, pool *connection.Pool) (*connection.Connection, net.Conn) {
	t.Helper()
	server, peer := net.Pipe()
	t.Cleanup(func() { _ = peer.Close() })
	return pool.Acquire(server), peer
}

func stream(bodies ...string) []byte {
	var out []byte
	for _, b := range bodies {
		out = append(out, proto.New(packet.TypeApp, 0, []byte(b)).Bytes()...)
	}
	return out
}

// ===== Tests =====

func TestMultiplexer_DeliversInWireOrder(t *testing.T) {
	pool := connection.NewPool(connection.Options{ReceiveBufferSize: 7})
	sink := newRecordingSink()
	m := startMux(t, Options{Name: "main", Capacity: 4, Growable: true}, sink)

	conn, peer := connectedPair(t, pool)
	_, err := m.Register(conn)
	require.NoError(t, err)
	conn.StartReader()

	_, err = peer.Write(stream("one", "two", "three"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(sink.bodies()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"one", "two", "three"}, sink.bodies())
}

func TestMultiplexer_HangupTearsDown(t *testing.T) {
	pool := connection.NewPool(connection.Options{})
	sink := newRecordingSink()
	m := startMux(t, Options{Name: "main", Capacity: 1, Growable: true}, sink)

	conn, peer := connectedPair(t, pool)
	_, err := m.Register(conn)
	require.NoError(t, err)
	conn.StartReader()

	require.NoError(t, peer.Close())

	select {
	case <-sink.closedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not torn down")
	}
	assert.Equal(t, 0, m.Len())
	assert.ErrorIs(t, sink.closed[0], io.EOF)
	assert.True(t, conn.Closed())
}

func TestMultiplexer_MalformedKeepsConnection(t *testing.T) {
	pool := connection.NewPool(connection.Options{})
	sink := newRecordingSink()
	m := startMux(t, Options{Name: "main", Capacity: 1, Growable: true}, sink)

	conn, peer := connectedPair(t, pool)
	_, err := m.Register(conn)
	require.NoError(t, err)
	conn.StartReader()

	bad := make([]byte, packet.HeaderSize)
	packet.Header{Size: 0}.Put(bad)
	_, err = peer.Write(append(bad, stream("discarded")...))
	require.NoError(t, err)
	_, err = peer.Write(stream("kept"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(sink.bodies()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"kept"}, sink.bodies())
	assert.Len(t, sink.malformed, 1)
	assert.Equal(t, 1, m.Len())
}

func TestMultiplexer_FixedTableRejects(t *testing.T) {
	pool := connection.NewPool(connection.Options{})
	m := New(Options{Name: "on-hold", Capacity: 1}, newRecordingSink())

	c1, _ := connectedPair(t, pool)
	c2, _ := connectedPair(t, pool)

	_, err := m.Register(c1)
	require.NoError(t, err)
	_, err = m.Register(c2)
	assert.ErrorIs(t, err, ErrTableFull)
	assert.Nil(t, c2.Owner())
}

func TestMultiplexer_GrowableTableAccepts(t *testing.T) {
	pool := connection.NewPool(connection.Options{})
	m := New(Options{Name: "main", Capacity: 1, Growable: true}, newRecordingSink())

	for i := 0; i < 3; i++ {
		c, _ := connectedPair(t, pool)
		_, err := m.Register(c)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, m.Len())
	assert.Equal(t, 4, m.Cap())
}

func TestMultiplexer_TransferMidBuffer(t *testing.T) {
	pool := connection.NewPool(connection.Options{ReceiveBufferSize: 4096})

	mainSink := newRecordingSink()
	main := startMux(t, Options{Name: "main", Capacity: 2, Growable: true}, mainSink)

	holdSink := newRecordingSink()
	hold := startMux(t, Options{Name: "on-hold", Capacity: 2}, holdSink)

	holdSink.onDeliver = func(c *connection.Connection, p *packet.Packet) {
		if string(p.Body) != "auth" {
			return
		}
		_, err := hold.Unregister(c.Handle())
		assert.NoError(t, err)
		_, err = main.Register(c)
		assert.NoError(t, err)
	}

	conn, peer := connectedPair(t, pool)
	_, err := hold.Register(conn)
	require.NoError(t, err)
	conn.StartReader()

	// One write, so the auth packet and the app packets share a read.
	_, err = peer.Write(stream("auth", "after-1", "after-2"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(mainSink.bodies()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"auth"}, holdSink.bodies())
	assert.Equal(t, []string{"after-1", "after-2"}, mainSink.bodies())
	assert.Equal(t, 0, hold.Len())
	assert.Equal(t, 1, main.Len())
}

func TestMultiplexer_DroppedMidBufferDiscardsRest(t *testing.T) {
	pool := connection.NewPool(connection.Options{})
	sink := newRecordingSink()
	var m *Multiplexer
	sink.onDeliver = func(c *connection.Connection, p *packet.Packet) {
		_ = m.Drop(c, nil)
	}
	m = startMux(t, Options{Name: "on-hold", Capacity: 1}, sink)

	conn, peer := connectedPair(t, pool)
	_, err := m.Register(conn)
	require.NoError(t, err)
	conn.StartReader()

	_, err = peer.Write(stream("first", "second"))
	require.NoError(t, err)

	select {
	case <-sink.closedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not dropped")
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"first"}, sink.bodies())
}

func TestMultiplexer_DoRunsOnLoop(t *testing.T) {
	m := New(Options{Name: "main", Capacity: 1}, newRecordingSink())
	returned := make(chan struct{})
	go func() {
		_ = m.Run(context.Background())
		close(returned)
	}()

	ran := false
	require.NoError(t, m.Do(func() { ran = true }))
	assert.True(t, ran)

	m.Stop()
	<-returned
	assert.ErrorIs(t, m.Do(func() {}), ErrStopped)
}

func TestMultiplexer_TickAndStop(t *testing.T) {
	var mu sync.Mutex
	ticks := 0
	m := New(Options{
		Name:        "main",
		Capacity:    1,
		PollTimeout: 10 * time.Millisecond,
		OnTick: func() {
			mu.Lock()
			ticks++
			mu.Unlock()
		},
	}, newRecordingSink())

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ticks >= 2
	}, time.Second, 5*time.Millisecond)

	m.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.ErrorIs(t, m.Run(context.Background()), ErrAlreadyRunning)
}

func TestMultiplexer_DropAll(t *testing.T) {
	pool := connection.NewPool(connection.Options{})
	sink := newRecordingSink()
	m := New(Options{Name: "main", Capacity: 2, Growable: true}, sink)

	for i := 0; i < 2; i++ {
		c, _ := connectedPair(t, pool)
		_, err := m.Register(c)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, m.DropAll())
	assert.Equal(t, 0, m.Len())
	assert.ErrorIs(t, sink.closed[0], ErrShutdown)
}

func TestMultiplexer_MalformedAfterTransferGoesToNewOwner(t *testing.T) {
	pool := connection.NewPool(connection.Options{ReceiveBufferSize: 4096})

	mainSink := newRecordingSink()
	main := startMux(t, Options{Name: "main", Capacity: 2, Growable: true}, mainSink)

	holdSink := newRecordingSink()
	hold := startMux(t, Options{Name: "on-hold", Capacity: 2}, holdSink)

	holdSink.onDeliver = func(c *connection.Connection, p *packet.Packet) {
		_, err := hold.Unregister(c.Handle())
		assert.NoError(t, err)
		_, err = main.Register(c)
		assert.NoError(t, err)
	}

	conn, peer := connectedPair(t, pool)
	_, err := hold.Register(conn)
	require.NoError(t, err)
	conn.StartReader()

	bad := make([]byte, packet.HeaderSize)
	packet.Header{Size: 0}.Put(bad)
	_, err = peer.Write(append(stream("auth", "after"), bad...))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mainSink.mu.Lock()
		defer mainSink.mu.Unlock()
		return len(mainSink.malformed) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"after"}, mainSink.bodies())

	holdSink.mu.Lock()
	defer holdSink.mu.Unlock()
	assert.Empty(t, holdSink.malformed)
}

func TestMultiplexer_EvictWaitsForDelivery(t *testing.T) {
	pool := connection.NewPool(connection.Options{})
	sink := newRecordingSink()

	inDeliver := make(chan struct{})
	unblock := make(chan struct{})
	sink.onDeliver = func(c *connection.Connection, p *packet.Packet) {
		close(inDeliver)
		<-unblock
	}
	m := startMux(t, Options{Name: "main", Capacity: 1, Growable: true}, sink)

	conn, peer := connectedPair(t, pool)
	_, err := m.Register(conn)
	require.NoError(t, err)
	conn.StartReader()

	_, err = peer.Write(stream("busy"))
	require.NoError(t, err)
	<-inDeliver

	evicted := make(chan error, 1)
	go func() { evicted <- m.Evict(conn, nil) }()

	select {
	case <-sink.closedCh:
		t.Fatal("connection torn down during delivery")
	case <-time.After(50 * time.Millisecond):
	}

	close(unblock)
	select {
	case err := <-evicted:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Evict did not return")
	}
	assert.Equal(t, 0, m.Len())
	assert.True(t, conn.Closed())
	assert.ErrorIs(t, m.Evict(conn, nil), ErrNotFound)
}

func TestMultiplexer_EvictWithoutRun(t *testing.T) {
	pool := connection.NewPool(connection.Options{})
	sink := newRecordingSink()
	m := New(Options{Name: "main", Capacity: 1}, sink)

	conn, _ := connectedPair(t, pool)
	_, err := m.Register(conn)
	require.NoError(t, err)

	require.NoError(t, m.Evict(conn, nil))
	assert.Equal(t, 0, m.Len())
	assert.Len(t, sink.closed, 1)
}
