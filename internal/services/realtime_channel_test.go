package services

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sujal-goel/bank-automation-system-sub003/internal/apperrors"
	"github.com/sujal-goel/bank-automation-system-sub003/internal/models"
	"github.com/sujal-goel/bank-automation-system-sub003/internal/repositories"
)

func TestRouter_Dispatch(t *testing.T) {
	r := NewRouter()
	ctx := context.Background()
	var got []string
	r.Handle("devices", models.EventDataUpdated, func(ctx context.Context, e models.SyncEvent) error {
		got = append(got, "devices:"+e.Type)
		return nil
	})
	r.Handle(AnyEndpoint, models.EventDataUpdated, func(ctx context.Context, e models.SyncEvent) error {
		got = append(got, "any:"+e.Type)
		return nil
	})

	require.NoError(t, r.Dispatch(ctx, "devices", []byte(`{"type":"data-updated","data":{}}`)))
	require.NoError(t, r.Dispatch(ctx, "notifications", []byte(`{"type":"data-updated"}`)))
	require.NoError(t, r.Dispatch(ctx, "devices", []byte(`{"type":"stock-ticker"}`)), "unknown types are dropped")

	assert.Equal(t, []string{"devices:data-updated", "any:data-updated"}, got)
	assert.True(t, apperrors.IsProtocol(r.Dispatch(ctx, "devices", []byte(`not json`))))
	assert.True(t, apperrors.IsProtocol(r.Dispatch(ctx, "devices", []byte(`{"data":{}}`))))
}

func TestConnection_GivesUpAfterMaxAttempts(t *testing.T) {
	// ARRANGE
	dialer := &fakeDialer{err: apperrors.Transient("dial", errors.New("connection refused"))}
	c := newTestConnection(t, ConnectionOptions{Endpoint: "devices", Dialer: dialer, MaxAttempts: 3})

	// ACT
	c.Connect()

	// ASSERT: one initial dial plus three reconnects
	require.Eventually(t, func() bool { return dialer.count() == 4 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 4, dialer.count(), "no dial after giving up")
	assert.Equal(t, 3, c.Attempts())
	assert.Equal(t, StateDisconnected, c.State())

	// Connect after giving up starts a fresh budget.
	c.Connect()
	require.Eventually(t, func() bool { return dialer.count() == 8 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 8, dialer.count())
}

func TestConnection_ResumeSpendsScheduledAttemptsOnly(t *testing.T) {
	// ARRANGE: retries are an hour apart, so only Resume can dial early
	dialer := &fakeDialer{err: apperrors.Transient("dial", errors.New("connection refused"))}
	c := newTestConnection(t, ConnectionOptions{
		Endpoint:    "devices",
		Dialer:      dialer,
		Backoff:     FixedBackoff{Interval: time.Hour},
		MaxAttempts: 2,
	})
	c.Connect()
	require.Eventually(t, func() bool { return c.Attempts() == 1 }, time.Second, time.Millisecond)

	// ACT: the network comes back twice
	c.Resume()
	require.Eventually(t, func() bool { return c.Attempts() == 2 }, time.Second, time.Millisecond)
	c.Resume()
	require.Eventually(t, func() bool { return dialer.count() == 3 }, time.Second, time.Millisecond)

	// ACT: the budget is spent, so a further network change does nothing
	c.Resume()
	time.Sleep(30 * time.Millisecond)

	// ASSERT
	assert.Equal(t, 3, dialer.count())
	assert.Equal(t, 2, c.Attempts(), "resuming never adds attempts")
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnection_AttemptsAreMonotonic(t *testing.T) {
	dialer := &fakeDialer{err: apperrors.Transient("dial", errors.New("connection refused"))}
	c := newTestConnection(t, ConnectionOptions{
		Endpoint:    "devices",
		Dialer:      dialer,
		Backoff:     FixedBackoff{Interval: 2 * time.Millisecond},
		MaxAttempts: 5,
	})

	c.Connect()
	var last int
	var regressed atomic.Bool
	require.Eventually(t, func() bool {
		n := c.Attempts()
		if n < last {
			regressed.Store(true)
		}
		last = n
		return n == 5 && dialer.count() == 6
	}, time.Second, time.Millisecond)
	assert.False(t, regressed.Load(), "attempt counter went backwards")
}

func TestConnection_DeliversFramesAndSurvivesMalformedOnes(t *testing.T) {
	// ARRANGE
	dialer := &fakeDialer{}
	router := NewRouter()
	events := make(chan models.SyncEvent, 4)
	router.Handle(AnyEndpoint, models.EventDataUpdated, func(ctx context.Context, e models.SyncEvent) error {
		events <- e
		return nil
	})
	auth := NewAuthService(models.Account{Token: "opaque-token"}, nil)
	c := newConnection(ConnectionOptions{
		BaseURL:  "ws://bank.test/",
		Endpoint: "devices",
		Dialer:   dialer,
		Backoff:  FixedBackoff{Interval: time.Millisecond},
		Auth:     auth,
		DeviceID: func() string { return "dev 1" },
	}, router)
	t.Cleanup(c.Close)

	// ACT
	c.Connect()
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, time.Millisecond)
	conn := dialer.last()
	conn.push(`{"type":`)
	conn.push(`{"type":"data-updated","data":{"sourceDeviceId":"dev-2"}}`)

	// ASSERT
	select {
	case e := <-events:
		assert.Equal(t, models.EventDataUpdated, e.Type)
	case <-time.After(time.Second):
		t.Fatal("frame after a malformed one was not delivered")
	}
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, "ws://bank.test/ws/devices?deviceId=dev+1", dialer.lastURL())
	assert.Equal(t, "Bearer opaque-token", dialer.lastHeader().Get("Authorization"))
}

func TestConnection_ReconnectsAfterRemoteClose(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestConnection(t, ConnectionOptions{Endpoint: "devices", Dialer: dialer})
	c.Connect()
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, time.Millisecond)

	dialer.last().drop()

	require.Eventually(t, func() bool {
		return dialer.count() == 2 && c.State() == StateConnected
	}, time.Second, time.Millisecond)
	assert.Equal(t, 0, c.Attempts(), "a successful open resets the counter")
}

func TestConnection_ServerNormalClosureReconnects(t *testing.T) {
	// ARRANGE
	dialer := &fakeDialer{}
	c := newTestConnection(t, ConnectionOptions{Endpoint: "devices", Dialer: dialer})
	c.Connect()
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, time.Millisecond)

	// ACT: the server closes with 1000, as it does when redeploying
	dialer.last().dropWith(websocket.CloseError{Code: websocket.StatusNormalClosure, Reason: "redeploy"})

	// ASSERT
	require.Eventually(t, func() bool {
		return dialer.count() == 2 && c.State() == StateConnected
	}, time.Second, time.Millisecond)
}

func TestConnection_DisconnectIsIdempotentAndFinal(t *testing.T) {
	// ARRANGE: an open connection
	dialer := &fakeDialer{}
	c := newTestConnection(t, ConnectionOptions{Endpoint: "devices", Dialer: dialer})
	c.Connect()
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, time.Millisecond)
	conn := dialer.last()

	// ACT
	c.Disconnect()
	c.Disconnect()

	// ASSERT
	assert.True(t, conn.closedNormally())
	assert.Equal(t, StateDisconnected, c.State())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, dialer.count(), "no reconnect after Disconnect")
}

func TestConnection_DisconnectCancelsScheduledRetry(t *testing.T) {
	dialer := &fakeDialer{err: apperrors.Transient("dial", errors.New("connection refused"))}
	c := newTestConnection(t, ConnectionOptions{
		Endpoint:    "devices",
		Dialer:      dialer,
		Backoff:     FixedBackoff{Interval: 20 * time.Millisecond},
		MaxAttempts: 100,
	})

	c.Connect()
	require.Eventually(t, func() bool { return dialer.count() >= 1 }, time.Second, time.Millisecond)
	c.Disconnect()
	n := dialer.count()
	time.Sleep(80 * time.Millisecond)

	assert.Equal(t, n, dialer.count())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnection_RejectedCredentialsAreNotRetried(t *testing.T) {
	// ARRANGE
	dialer := &fakeDialer{err: apperrors.Authentication("dial", errors.New("handshake rejected with HTTP 401"))}
	var logouts atomic.Int32
	auth := NewAuthService(models.Account{Token: "opaque-token"}, func(error) { logouts.Add(1) })
	c := newTestConnection(t, ConnectionOptions{Endpoint: "devices", Dialer: dialer, Auth: auth})

	// ACT
	c.Connect()

	// ASSERT
	require.Eventually(t, func() bool { return logouts.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, dialer.count())
	assert.Equal(t, 0, c.Attempts())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnection_MissingTokenNeverDials(t *testing.T) {
	dialer := &fakeDialer{}
	var logouts atomic.Int32
	auth := NewAuthService(models.Account{}, func(error) { logouts.Add(1) })
	c := newTestConnection(t, ConnectionOptions{Endpoint: "devices", Dialer: dialer, Auth: auth})

	c.Connect()

	require.Eventually(t, func() bool { return logouts.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, dialer.count())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestRealtimeChannel_RoutesNotificationsFromEveryEndpoint(t *testing.T) {
	// ARRANGE
	dialer := &fakeDialer{}
	store := NewNotificationStore(context.Background(), repositories.NewKVNotificationRepository(repositories.NewMemoryKVStore()), nil, 0)
	rc := NewRealtimeChannel(ConnectionOptions{
		BaseURL: "ws://bank.test",
		Dialer:  dialer,
		Backoff: FixedBackoff{Interval: time.Millisecond},
	}, []string{"devices", "notifications", "devices"}, store)
	t.Cleanup(rc.Close)

	// ACT
	rc.Connect()
	require.Eventually(t, func() bool {
		states := rc.States()
		return len(states) == 2 && states["devices"] == StateConnected && states["notifications"] == StateConnected
	}, time.Second, time.Millisecond)
	for _, conn := range dialer.all() {
		conn.push(`{"type":"notification","data":{"title":"Card payment declined","type":"error"}}`)
	}

	// ASSERT
	require.Eventually(t, func() bool { return rc.Notifications().UnreadCount() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, "notifications", rc.Connection("notifications").Endpoint())
	assert.Nil(t, rc.Connection("missing"))

	rc.Disconnect()
	for _, state := range rc.States() {
		assert.Equal(t, StateDisconnected, state)
	}
}

// Helper functions for test setup

func newTestConnection(t *testing.T, opts ConnectionOptions) *Connection {
	t.Helper()
	if opts.BaseURL == "" {
		opts.BaseURL = "ws://bank.test"
	}
	if opts.Backoff == nil {
		opts.Backoff = FixedBackoff{Interval: time.Millisecond}
	}
	c := newConnection(opts, NewRouter())
	t.Cleanup(c.Close)
	return c
}

// fakeDialer fails with err, or hands out a fresh fakeConn per dial.
type fakeDialer struct {
	mu      sync.Mutex
	err     error
	dials   int
	urls    []string
	headers []http.Header
	conns   []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.urls = append(d.urls, rawURL)
	d.headers = append(d.headers, header)
	if d.err != nil {
		return nil, d.err
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) all() []*fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeConn(nil), d.conns...)
}

func (d *fakeDialer) lastURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.urls[len(d.urls)-1]
}

func (d *fakeDialer) lastHeader() http.Header {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.headers[len(d.headers)-1]
}

var errRemoteClosed = errors.New("remote closed")

type fakeConn struct {
	frames    chan []byte
	dropped   chan struct{}
	closed    chan struct{}
	dropErr   error
	dropOnce  sync.Once
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames:  make(chan []byte, 16),
		dropped: make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.dropped:
		if c.dropErr != nil {
			return nil, c.dropErr
		}
		return nil, errRemoteClosed
	case <-c.closed:
		return nil, errRemoteClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(frame string) { c.frames <- []byte(frame) }

func (c *fakeConn) drop() { c.dropWith(nil) }

// dropWith ends the connection from the server side with err.
func (c *fakeConn) dropWith(err error) {
	c.dropOnce.Do(func() {
		c.dropErr = err
		close(c.dropped)
	})
}

func (c *fakeConn) closedNormally() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
