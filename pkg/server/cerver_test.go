package server

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/marmos91/cerver/pkg/auth"
	"github.com/marmos91/cerver/pkg/client"
	"github.com/marmos91/cerver/pkg/connection"
	"github.com/marmos91/cerver/pkg/dispatch"
	"github.com/marmos91/cerver/pkg/events"
	"github.com/marmos91/cerver/pkg/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// ===== Test Helper Functions =====

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

var testProtocol = packet.Protocol{ID: 0xCE, Version: 2}

func testConfig() Config {
	return Config{
		Name:            "test-cerver",
		Welcome:         "hello",
		Port:            0,
		ProtocolID:      testProtocol.ID,
		ProtocolVersion: testProtocol.Version,
		PollTimeout:     50 * time.Millisecond,
		ShutdownTimeout: 5 * time.Second,
	}
}

func authConfig() Config {
	cfg := testConfig()
	cfg.Auth.Enabled = true
	return cfg
}

// startCerver runs c in the background and stops it at the end of the test.
func startCerver(t *testing.T, c *Cerver) string {
	t.Helper()

	served := make(chan error, 1)
	go func() { served <- c.Serve(context.Background()) }()

	select {
	case <-c.Ready():
	case err := <-served:
		t.Fatalf("Serve returned early: %v", err)
	case <-time.After(waitFor):
		t.Fatal("cerver not ready")
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		assert.NoError(t, c.Stop(ctx))
		assert.NoError(t, <-served)
	})
	return fmt.Sprintf("127.0.0.1:%d", c.Port())
}

func dial(t *testing.T, addr string) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	cl, err := client.Dial(ctx, addr, client.Options{Protocol: testProtocol})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cl.Close() })
	return cl
}

func receive(t *testing.T, cl *client.Client) *packet.Packet {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	p, err := cl.Receive(ctx)
	require.NoError(t, err)
	return p
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}

func passwords(t *testing.T, admins []string, users ...string) auth.Authenticator {
	t.Helper()
	hashes := make(map[string]string, len(users))
	for _, u := range users {
		hash, err := bcrypt.GenerateFromPassword([]byte(u+"-pw"), bcrypt.MinCost)
		require.NoError(t, err)
		hashes[u] = string(hash)
	}
	a, err := auth.NewPasswordAuthenticator(hashes, admins)
	require.NoError(t, err)
	return a
}

func echoHandler() dispatch.Handler {
	return dispatch.HandlerFunc(func(req *dispatch.Request) error {
		return req.Conn.Send(req.Packet)
	})
}

// ===== Configuration =====

func TestConfig_Defaults(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()
	require.NoError(t, cfg.validate())

	assert.Equal(t, "cerver", cfg.Name)
	assert.EqualValues(t, packet.DefaultMaxPacketSize, cfg.MaxPacketSize)
	assert.Equal(t, 64, cfg.Tables.Main)
	assert.Equal(t, 32, cfg.Tables.OnHold)
	assert.Equal(t, 8, cfg.Tables.Admin)
	assert.Equal(t, 3, cfg.Auth.MaxTries)
	assert.Equal(t, auth.DefaultTimeout, cfg.Auth.Timeout)
	assert.Equal(t, 0, cfg.Workers.QueueSize)
	assert.Zero(t, cfg.Inactive.CheckInterval)
}

func TestConfig_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Port = 70000 }},
		{"max packet below header", func(c *Config) { c.MaxPacketSize = packet.HeaderSize - 1 }},
		{"sessions without auth", func(c *Config) { c.Auth.Sessions = true }},
		{"negative workers", func(c *Config) { c.Workers.Count = -1 }},
		{"negative rate", func(c *Config) { c.AcceptRate = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			cfg.applyDefaults()
			assert.Error(t, cfg.validate())
			assert.Panics(t, func() { New(cfg, nil) })
		})
	}
}

// ===== Without Authentication =====

func TestCerver_AnonymousClient(t *testing.T) {
	c := New(testConfig(), nil)
	require.NoError(t, c.Handle(packet.TypeApp, echoHandler(), dispatch.ModeInline))

	connected := make(chan events.Event, 1)
	c.On(events.ClientConnected, func(ev events.Event) { connected <- ev })

	addr := startCerver(t, c)
	cl := dial(t, addr)

	info := cl.Info()
	assert.Equal(t, "test-cerver", info.Name)
	assert.Equal(t, "hello", info.Welcome)
	assert.False(t, info.AuthRequired)

	select {
	case ev := <-connected:
		require.NotNil(t, ev.Client)
		assert.Empty(t, ev.Client.Name)
	case <-time.After(waitFor):
		t.Fatal("no ClientConnected event")
	}

	require.NoError(t, cl.Test(testCtx(t), []byte("ping")))

	require.NoError(t, cl.SendPacket(packet.TypeApp, 0, []byte("payload")))
	p := receive(t, cl)
	defer p.Release()
	assert.Equal(t, packet.TypeApp, p.Header.Type)
	assert.Equal(t, testProtocol.ID, p.Header.ProtocolID)
	assert.Equal(t, "payload", string(p.Body))

	s := c.Stats()
	assert.Equal(t, 1, s.Main)
	assert.Equal(t, 1, s.Clients)
	assert.EqualValues(t, 1, s.ConnectionsAccepted)
	assert.EqualValues(t, 2, s.PacketsReceived)
	assert.EqualValues(t, 1, s.PacketsByType[packet.TypeTest])
	assert.EqualValues(t, 1, s.PacketsByType[packet.TypeApp])
	require.Eventually(t, func() bool { return c.Stats().Handlers.Count == 1 }, waitFor, tick)
}

func TestCerver_QueuedHandler(t *testing.T) {
	cfg := testConfig()
	cfg.Workers.Count = 2
	c := New(cfg, nil)
	require.NoError(t, c.Handle(packet.TypeApp, echoHandler(), dispatch.ModeQueued))

	cl := dial(t, startCerver(t, c))
	for i := 0; i < 5; i++ {
		require.NoError(t, cl.SendPacket(packet.TypeApp, 0, []byte{byte(i)}))
	}

	seen := make(map[byte]bool)
	for i := 0; i < 5; i++ {
		p := receive(t, cl)
		seen[p.Body[0]] = true
		p.Release()
	}
	assert.Len(t, seen, 5)
}

func TestCerver_CloseConnectionFromQueuedHandler(t *testing.T) {
	cfg := testConfig()
	cfg.Workers.Count = 1
	c := New(cfg, nil)

	type result struct{ closeErr, sendErr error }
	results := make(chan result, 1)
	require.NoError(t, c.Handle(packet.TypeApp, dispatch.HandlerFunc(func(req *dispatch.Request) error {
		closeErr := c.CloseConnection(req.Conn)
		results <- result{closeErr: closeErr, sendErr: req.Conn.Send(req.Packet)}
		return nil
	}), dispatch.ModeQueued))

	cl := dial(t, startCerver(t, c))
	require.NoError(t, cl.SendPacket(packet.TypeApp, 0, []byte("bye")))

	select {
	case r := <-results:
		assert.NoError(t, r.closeErr)
		assert.ErrorIs(t, r.sendErr, connection.ErrClosed)
	case <-time.After(waitFor):
		t.Fatal("handler did not run")
	}

	require.Eventually(t, func() bool { return c.Stats().Main == 0 }, waitFor, tick)
	assert.Equal(t, 0, c.Registry().ClientCount())
	_, err := cl.Receive(testCtx(t))
	assert.Error(t, err)
}

func TestCerver_QueuedReplyAfterClientLeft(t *testing.T) {
	cfg := testConfig()
	cfg.Workers.Count = 1
	c := New(cfg, nil)

	entered := make(chan struct{})
	proceed := make(chan struct{})
	replied := make(chan error, 1)
	require.NoError(t, c.Handle(packet.TypeApp, dispatch.HandlerFunc(func(req *dispatch.Request) error {
		close(entered)
		<-proceed
		replied <- req.Conn.Send(req.Packet)
		return nil
	}), dispatch.ModeQueued))

	addr := startCerver(t, c)
	gone := dial(t, addr)
	require.NoError(t, gone.SendPacket(packet.TypeApp, 0, []byte("secret-for-gone")))
	<-entered

	require.NoError(t, gone.Close())
	require.Eventually(t, func() bool { return c.Stats().LiveConnections == 0 }, waitFor, tick)

	next := dial(t, addr)
	require.Eventually(t, func() bool { return c.Stats().Main == 1 }, waitFor, tick)
	close(proceed)

	select {
	case err := <-replied:
		assert.ErrorIs(t, err, connection.ErrClosed)
	case <-time.After(waitFor):
		t.Fatal("handler did not reply")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := next.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "the new peer must not receive the old client's reply")
}

func TestCerver_UnhandledPacketIsCounted(t *testing.T) {
	c := New(testConfig(), nil)
	cl := dial(t, startCerver(t, c))

	require.NoError(t, cl.SendPacket(packet.TypeGame, 0, nil))
	require.NoError(t, cl.Test(testCtx(t), nil))

	assert.EqualValues(t, 1, c.Stats().BadPackets)
	assert.Equal(t, 1, c.Stats().Main, "bad packets do not drop authenticated connections")
}

func TestCerver_CheckPackets(t *testing.T) {
	cfg := testConfig()
	cfg.CheckPackets = true
	c := New(cfg, nil)
	require.NoError(t, c.Handle(packet.TypeApp, echoHandler(), dispatch.ModeInline))

	addr := startCerver(t, c)
	ctx := testCtx(t)
	foreign, err := client.Dial(ctx, addr, client.Options{Protocol: packet.Protocol{ID: 1, Version: 1}})
	require.NoError(t, err)
	defer foreign.Close()

	require.NoError(t, foreign.SendPacket(packet.TypeApp, 0, []byte("x")))
	require.Eventually(t, func() bool { return c.Stats().BadPackets == 1 }, waitFor, tick)
	assert.EqualValues(t, 0, c.Stats().Handlers.Count)
}

func TestCerver_CloseConnection(t *testing.T) {
	c := New(testConfig(), nil)

	left := make(chan events.Event, 1)
	c.On(events.ClientDisconnected, func(ev events.Event) { left <- ev })

	cl := dial(t, startCerver(t, c))
	require.NoError(t, cl.CloseConnection())

	select {
	case ev := <-left:
		assert.NoError(t, ev.Err)
	case <-time.After(waitFor):
		t.Fatal("no ClientDisconnected event")
	}
	require.Eventually(t, func() bool { return c.Stats().Main == 0 }, waitFor, tick)
	assert.Equal(t, 0, c.Registry().ClientCount())
}

func TestCerver_HangupDropsClient(t *testing.T) {
	c := New(testConfig(), nil)
	cl := dial(t, startCerver(t, c))

	require.Eventually(t, func() bool { return c.Stats().Clients == 1 }, waitFor, tick)
	require.NoError(t, cl.Close())
	require.Eventually(t, func() bool { return c.Stats().Clients == 0 }, waitFor, tick)
	require.Eventually(t, func() bool { return c.Stats().LiveConnections == 0 }, waitFor, tick)
}

func TestCerver_Broadcast(t *testing.T) {
	c := New(testConfig(), nil)
	addr := startCerver(t, c)
	a, b := dial(t, addr), dial(t, addr)
	require.Eventually(t, func() bool { return c.Stats().Main == 2 }, waitFor, tick)

	p := c.Protocol().New(packet.TypeApp, 0, []byte("news"))
	defer p.Release()
	assert.Equal(t, 2, c.Broadcast(p))

	for _, cl := range []*client.Client{a, b} {
		got := receive(t, cl)
		assert.Equal(t, "news", string(got.Body))
		got.Release()
	}
}

// ===== Authentication =====

func TestCerver_AuthFlow(t *testing.T) {
	c := New(authConfig(), nil)
	c.SetAuthenticator(passwords(t, nil, "alice"))

	failed := make(chan events.Event, 4)
	c.On(events.ClientFailedAuth, func(ev events.Event) { failed <- ev })

	cl := dial(t, startCerver(t, c))
	assert.True(t, cl.Info().AuthRequired)
	require.Eventually(t, func() bool { return c.Stats().OnHold == 1 }, waitFor, tick)

	err := cl.Authenticate(testCtx(t), "alice", "wrong")
	var remote *client.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, packet.ErrFailedAuth, remote.Type)
	assert.Len(t, failed, 1)

	require.NoError(t, cl.Authenticate(testCtx(t), "alice", "alice-pw"))
	assert.Empty(t, cl.Token(), "no token without sessions")

	s := c.Stats()
	assert.Equal(t, 0, s.OnHold)
	assert.Equal(t, 1, s.Main)
	assert.EqualValues(t, 1, s.Authenticated)
	assert.EqualValues(t, 1, s.FailedAuth)

	clients := c.Registry().Clients()
	require.Len(t, clients, 1)
	assert.Equal(t, "alice", clients[0].Name)
}

func TestCerver_TooManyTries(t *testing.T) {
	cfg := authConfig()
	cfg.Auth.MaxTries = 2
	c := New(cfg, nil)
	c.SetAuthenticator(passwords(t, nil, "alice"))

	dropped := make(chan events.Event, 1)
	c.On(events.OnHoldDropped, func(ev events.Event) { dropped <- ev })

	cl := dial(t, startCerver(t, c))

	err := cl.Authenticate(testCtx(t), "alice", "nope")
	var remote *client.RemoteError
	require.ErrorAs(t, err, &remote)

	err = cl.Authenticate(testCtx(t), "alice", "nope again")
	require.Error(t, err)
	assert.False(t, errors.As(err, &remote), "the last try closes the socket without a reply")

	select {
	case ev := <-dropped:
		assert.ErrorIs(t, ev.Err, auth.ErrTooManyTries)
	case <-time.After(waitFor):
		t.Fatal("no OnHoldDropped event")
	}
	assert.Equal(t, 0, c.Stats().OnHold)
}

func TestCerver_BadPacketsOnHold(t *testing.T) {
	cfg := authConfig()
	cfg.Auth.MaxBadPackets = 2
	c := New(cfg, nil)

	cl := dial(t, startCerver(t, c))
	require.Eventually(t, func() bool { return c.Stats().OnHold == 1 }, waitFor, tick)
	require.NoError(t, cl.SendPacket(packet.TypeApp, 0, nil))
	require.NoError(t, cl.SendPacket(packet.TypeApp, 0, nil))

	require.Eventually(t, func() bool { return c.Stats().OnHold == 0 }, waitFor, tick)
	assert.Equal(t, 0, c.Stats().Main)
}

func TestCerver_OnHoldTableFull(t *testing.T) {
	cfg := authConfig()
	cfg.Tables.OnHold = 1
	cfg.Tables.Main = 1
	c := New(cfg, nil)
	c.SetAuthenticator(passwords(t, nil, "alice", "bob"))

	addr := startCerver(t, c)
	first := dial(t, addr)
	require.NoError(t, first.Authenticate(testCtx(t), "alice", "alice-pw"))
	require.Equal(t, 1, c.main.Len())
	require.Equal(t, 1, c.main.Cap())

	pending := dial(t, addr)
	require.Eventually(t, func() bool { return c.Stats().OnHold == 1 }, waitFor, tick)

	second := dial(t, addr)
	p := receive(t, second)
	defer p.Release()
	require.Equal(t, packet.TypeError, p.Header.Type)

	payload, err := packet.DecodeError(p.Body)
	require.NoError(t, err)
	assert.Equal(t, packet.ErrTableFull, payload.Type)
	require.Eventually(t, func() bool { return c.Stats().ConnectionsRejected == 1 }, waitFor, tick)

	// The main table is full too, but it grows instead of rejecting.
	require.NoError(t, pending.Authenticate(testCtx(t), "bob", "bob-pw"))
	assert.Equal(t, 2, c.main.Len())
	assert.Equal(t, 2, c.main.Cap())
	assert.Equal(t, 0, c.Stats().OnHold)
}

func TestCerver_SessionReconnect(t *testing.T) {
	cfg := authConfig()
	cfg.Auth.Sessions = true
	c := New(cfg, nil)
	c.SetAuthenticator(passwords(t, nil, "bob"))

	joined := make(chan events.Event, 1)
	c.On(events.ClientNewConnection, func(ev events.Event) { joined <- ev })

	addr := startCerver(t, c)
	first := dial(t, addr)
	assert.True(t, first.Info().UseSessions)
	require.NoError(t, first.Authenticate(testCtx(t), "bob", "bob-pw"))
	token := first.Token()
	require.Len(t, token, 36)

	second := dial(t, addr)
	require.NoError(t, second.AuthenticateToken(testCtx(t), token))
	assert.Equal(t, token, second.Token())

	select {
	case ev := <-joined:
		assert.Equal(t, "bob", ev.Client.Name)
	case <-time.After(waitFor):
		t.Fatal("no ClientNewConnection event")
	}

	owner, ok := c.Registry().ClientBySession(token)
	require.True(t, ok)
	assert.Equal(t, 2, owner.ConnectionCount())
	assert.Equal(t, 1, c.Stats().Clients)
	assert.Equal(t, 2, c.Stats().Main)

	third := dial(t, addr)
	err := third.AuthenticateToken(testCtx(t), "not-a-session")
	var remote *client.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, auth.ErrUnknownSession.Error())

	require.NoError(t, first.Disconnect())
	require.Eventually(t, func() bool { return c.Stats().Clients == 0 }, waitFor, tick)
	assert.Equal(t, 0, c.Stats().Main)

	_, err = second.Receive(testCtx(t))
	assert.Error(t, err, "disconnect closes every connection of the client")
}

func TestCerver_AdminTable(t *testing.T) {
	cfg := authConfig()
	cfg.Admin.Enabled = true
	c := New(cfg, nil)
	c.SetAuthenticator(passwords(t, []string{"root"}, "root", "user"))
	require.NoError(t, c.HandleAdmin(packet.TypeApp, echoHandler(), dispatch.ModeInline))

	adminUp := make(chan events.Event, 1)
	c.On(events.AdminConnected, func(ev events.Event) { adminUp <- ev })

	addr := startCerver(t, c)
	admin := dial(t, addr)
	require.NoError(t, admin.Authenticate(testCtx(t), "root", "root-pw"))
	user := dial(t, addr)
	require.NoError(t, user.Authenticate(testCtx(t), "user", "user-pw"))

	select {
	case ev := <-adminUp:
		assert.True(t, ev.Client.Admin)
	case <-time.After(waitFor):
		t.Fatal("no AdminConnected event")
	}

	s := c.Stats()
	assert.Equal(t, 1, s.Admin)
	assert.Equal(t, 1, s.Main)

	require.NoError(t, admin.SendPacket(packet.TypeApp, 0, []byte("cmd")))
	p := receive(t, admin)
	assert.Equal(t, "cmd", string(p.Body))
	p.Release()
	require.Eventually(t, func() bool { return c.Stats().AdminHandlers.Count == 1 }, waitFor, tick)
}

func TestCerver_AdminIgnoredWhenDisabled(t *testing.T) {
	c := New(authConfig(), nil)
	c.SetAuthenticator(passwords(t, []string{"root"}, "root"))

	cl := dial(t, startCerver(t, c))
	require.NoError(t, cl.Authenticate(testCtx(t), "root", "root-pw"))

	assert.Equal(t, 0, c.Stats().Admin)
	assert.Equal(t, 1, c.Stats().Main)
}

// ===== Maintenance and Shutdown =====

func TestCerver_InactiveSweep(t *testing.T) {
	cfg := authConfig()
	cfg.Inactive.MaxInactiveTime = time.Minute
	c := New(cfg, nil)

	dropped := make(chan events.Event, 1)
	c.On(events.OnHoldDropped, func(ev events.Event) { dropped <- ev })

	cl := dial(t, startCerver(t, c))
	require.Eventually(t, func() bool { return c.Stats().OnHold == 1 }, waitFor, tick)

	assert.Equal(t, 0, c.sweepInactive(time.Now()))
	assert.Equal(t, 1, c.sweepInactive(time.Now().Add(time.Hour)))

	select {
	case ev := <-dropped:
		assert.ErrorIs(t, ev.Err, ErrInactive)
	case <-time.After(waitFor):
		t.Fatal("no OnHoldDropped event")
	}

	// Skip the auth request sent after the welcome.
	p, err := cl.Receive(testCtx(t))
	if err == nil {
		p.Release()
		_, err = cl.Receive(testCtx(t))
	}
	assert.Error(t, err)
}

func TestCerver_UpdateFunctions(t *testing.T) {
	cfg := testConfig()
	cfg.Update.TicksPerSecond = 100
	cfg.Update.Interval = 20 * time.Millisecond
	c := New(cfg, nil)

	ticks := make(chan time.Duration, 100)
	c.SetUpdate(func(uc UpdateContext) {
		select {
		case ticks <- uc.Delta:
		default:
		}
	})
	intervals := make(chan struct{}, 100)
	c.SetUpdateInterval(func(*Cerver) {
		select {
		case intervals <- struct{}{}:
		default:
		}
		panic("recovered by the loop")
	})

	startCerver(t, c)
	require.Eventually(t, func() bool { return len(ticks) >= 3 && len(intervals) >= 2 }, waitFor, tick)

	d := <-ticks
	assert.Greater(t, d, time.Duration(0))
}

func TestCerver_StopSendsTeardown(t *testing.T) {
	c := New(testConfig(), nil)

	served := make(chan error, 1)
	go func() { served <- c.Serve(context.Background()) }()
	<-c.Ready()
	require.NoError(t, c.Healthy())

	cl := dial(t, fmt.Sprintf("127.0.0.1:%d", c.Port()))
	require.Eventually(t, func() bool { return c.Stats().Main == 1 }, waitFor, tick)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.Stop(ctx))
	require.NoError(t, <-served)
	assert.ErrorIs(t, c.Healthy(), ErrNotServing)

	p := receive(t, cl)
	defer p.Release()
	assert.Equal(t, packet.TypeCerver, p.Header.Type)
	assert.Equal(t, packet.RequestCerverTeardown, p.Header.Request)

	assert.Equal(t, 0, c.Registry().ClientCount())
	assert.EqualValues(t, 0, c.Stats().LiveConnections)
}

func TestCerver_ContextCancelStops(t *testing.T) {
	c := New(testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())

	served := make(chan error, 1)
	go func() { served <- c.Serve(ctx) }()
	<-c.Ready()

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestCerver_StopBeforeServe(t *testing.T) {
	c := New(testConfig(), nil)
	assert.NoError(t, c.Stop(context.Background()))
	assert.ErrorIs(t, c.Healthy(), ErrNotServing)
}
