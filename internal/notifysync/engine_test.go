package notifysync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/feed"
	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/identity"
	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/metrics"
	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/notifyapi"
	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/stream"
)

var (
	alice = &identity.Identity{UserID: 1, Email: "alice@example.com"}
	bob   = &identity.Identity{UserID: 2, Email: "bob@example.com"}
)

func newTestEngine(t *testing.T, client *fakeClient, dialer *fakeDialer, m *metrics.Collectors) *Engine {
	t.Helper()
	engine, err := NewEngine(EngineOptions{
		Client:  client,
		Dialer:  dialer,
		Logger:  quietLogger(),
		Metrics: m,
	})
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	return engine
}

func waitConnected(t *testing.T, e *Engine) {
	t.Helper()
	require.Eventually(t, func() bool { return e.ConnectionState() == stream.StateConnected }, 2*time.Second, 5*time.Millisecond)
}

func TestEngineBaselineThenPushScenario(t *testing.T) {
	client := newFakeClient(historical("1", true), historical("2", false))
	dialer := newFakeDialer()
	e := newTestEngine(t, client, dialer, nil)

	require.NoError(t, e.SetIdentity(context.Background(), alice))
	waitConnected(t, e)
	dialer.conn(e.Key()).msgs <- []byte(`{"type":"notification","data":{"id":3,"subject":"s","message":"m","read":false}}`)

	require.Eventually(t, func() bool { return len(e.Snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"3", "2", "1"}, ids(e.Snapshot()))
	assert.Equal(t, 2, e.UnreadCount())
}

func TestEngineMarkReadRollbackScenario(t *testing.T) {
	client := newFakeClient(historical("1", true), historical("2", false))
	client.markErr = errors.New("rejected")
	e := newTestEngine(t, client, newFakeDialer(), nil)
	require.NoError(t, e.SetIdentity(context.Background(), alice))
	require.Equal(t, 1, e.UnreadCount())

	require.Error(t, e.MarkRead(context.Background(), "2"))
	rec, ok := e.Get("2")
	require.True(t, ok)
	assert.False(t, rec.Read)
	assert.Equal(t, 1, e.UnreadCount())
}

func TestEngineIgnoresOldKeyAfterIdentityChange(t *testing.T) {
	client := newFakeClient()
	dialer := newFakeDialer()
	e := newTestEngine(t, client, dialer, nil)

	require.NoError(t, e.SetIdentity(context.Background(), alice))
	waitConnected(t, e)
	aliceKey := e.Key()
	aliceConn := dialer.conn(aliceKey)

	require.NoError(t, e.SetIdentity(context.Background(), bob))
	bobKey := e.Key()
	require.NotEqual(t, aliceKey, bobKey)
	waitConnected(t, e)

	aliceConn.msgs <- []byte(`{"type":"notification","data":{"id":"old","subject":"s","message":"m"}}`)
	dialer.conn(bobKey).msgs <- []byte(`{"type":"notification","data":{"id":"new","subject":"s","message":"m"}}`)

	require.Eventually(t, func() bool { return len(e.Snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"new"}, ids(e.Snapshot()))
	assert.Equal(t, 2, dialer.dials())
}

func TestEngineSignOutDropsEventAlreadyBeingHandled(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	dialer := newFakeDialer()
	e, err := NewEngine(EngineOptions{
		Client: newFakeClient(),
		Dialer: dialer,
		Logger: quietLogger(),
		NewID: func() string {
			entered <- struct{}{}
			<-release
			return "synthetic-1"
		},
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	var surfaced atomic.Int32
	e.OnSurfaced(func(feed.Record) { surfaced.Add(1) })

	require.NoError(t, e.SetIdentity(context.Background(), alice))
	waitConnected(t, e)
	dialer.conn(e.Key()).msgs <- []byte(`{"type":"notification","data":{"subject":"s","message":"m"}}`)
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	done := make(chan error, 1)
	go func() { done <- e.SetIdentity(context.Background(), nil) }()
	require.Eventually(t, func() bool { return e.Key() == "" }, time.Second, 5*time.Millisecond)
	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sign-out did not complete")
	}

	assert.Empty(t, e.Snapshot())
	assert.Equal(t, 0, e.UnreadCount())
	assert.Equal(t, int32(0), surfaced.Load())
	assert.Equal(t, stream.StateDisconnected, e.ConnectionState())
}

func TestEngineIdentityChangeClearsPreviousFeed(t *testing.T) {
	client := newFakeClient(historical("1", false))
	e := newTestEngine(t, client, newFakeDialer(), nil)
	require.NoError(t, e.SetIdentity(context.Background(), alice))
	require.Len(t, e.Snapshot(), 1)

	client.mu.Lock()
	client.items = nil
	client.mu.Unlock()
	require.NoError(t, e.SetIdentity(context.Background(), bob))
	assert.Empty(t, e.Snapshot())
	assert.Equal(t, 2, client.lists())

	require.NoError(t, e.SetIdentity(context.Background(), nil))
	assert.Equal(t, "", e.Key())
	assert.Equal(t, stream.StateDisconnected, e.ConnectionState())
	assert.Empty(t, e.Snapshot())
}

func TestEngineSameIdentityIsNoop(t *testing.T) {
	client := newFakeClient()
	dialer := newFakeDialer()
	e := newTestEngine(t, client, dialer, nil)
	require.NoError(t, e.SetIdentity(context.Background(), alice))
	require.NoError(t, e.SetIdentity(context.Background(), &identity.Identity{UserID: 1, Email: "alice@example.com"}))
	waitConnected(t, e)
	assert.Equal(t, 1, client.lists())
	assert.Equal(t, 1, dialer.dials())
}

func TestEngineUnresolvedIdentityNeverConnects(t *testing.T) {
	client := newFakeClient()
	dialer := newFakeDialer()
	e := newTestEngine(t, client, dialer, nil)
	require.NoError(t, e.SetIdentity(context.Background(), &identity.Identity{UserID: 3}))
	assert.Equal(t, stream.StateDisconnected, e.ConnectionState())
	assert.Equal(t, 0, dialer.dials())
	assert.Equal(t, 0, client.lists())
}

func TestEngineSetSessionUpdatesToken(t *testing.T) {
	client := newFakeClient()
	e := newTestEngine(t, client, newFakeDialer(), nil)
	require.NoError(t, e.SetSession(context.Background(), &identity.Session{Identity: *alice, Token: "tok"}))
	client.mu.Lock()
	assert.Equal(t, "tok", client.token)
	client.mu.Unlock()

	require.NoError(t, e.SetSession(context.Background(), nil))
	client.mu.Lock()
	assert.Equal(t, "", client.token)
	client.mu.Unlock()
	assert.Equal(t, "", e.Key())
}

func TestEngineTickReconnectsAndResyncs(t *testing.T) {
	client := newFakeClient(historical("1", false))
	dialer := newFakeDialer()
	e := newTestEngine(t, client, dialer, nil)
	require.NoError(t, e.SetIdentity(context.Background(), alice))
	waitConnected(t, e)

	// Fresh baseline and healthy stream: nothing to do.
	require.NoError(t, e.Tick(context.Background()))
	assert.Equal(t, 1, client.lists())
	assert.Equal(t, 1, dialer.dials())

	dialer.conn(e.Key()).fail <- errors.New("connection reset")
	require.Eventually(t, func() bool { return e.ConnectionState() == stream.StateError }, time.Second, 5*time.Millisecond)

	client.mu.Lock()
	client.items = append(client.items, historical("2", false))
	client.mu.Unlock()
	require.NoError(t, e.Tick(context.Background()))
	waitConnected(t, e)
	assert.Equal(t, 2, dialer.dials())
	assert.Equal(t, 2, client.lists())
	assert.Equal(t, []string{"2", "1"}, ids(e.Snapshot()))
}

func TestEngineRefreshSurfacesFetchError(t *testing.T) {
	client := newFakeClient(historical("1", false))
	e := newTestEngine(t, client, newFakeDialer(), nil)
	require.NoError(t, e.SetIdentity(context.Background(), alice))

	client.mu.Lock()
	client.listErr = &notifyapi.HTTPError{StatusCode: 502}
	client.mu.Unlock()
	err := e.Refresh(context.Background())
	var fetchErr *FetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.True(t, fetchErr.Retryable)
	assert.Equal(t, fetchErr, e.LoadStatus().Err)
	assert.Equal(t, []string{"1"}, ids(e.Snapshot()))
}

func TestEngineRecordsMetrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	client := newFakeClient(historical("1", false), historical("2", true))
	dialer := newFakeDialer()
	e := newTestEngine(t, client, dialer, m)
	require.NoError(t, e.SetIdentity(context.Background(), alice))
	waitConnected(t, e)
	dialer.conn(e.Key()).msgs <- []byte(`{"type":"notification","data":{"subject":"s","message":"m"}}`)

	require.Eventually(t, func() bool { return testutil.ToFloat64(m.StoreSize) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.UnreadCount))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PushEvents.WithLabelValues("inserted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BaselineFetches.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionState.WithLabelValues("connected")))
}

func TestEngineCloseIsIdempotent(t *testing.T) {
	e := newTestEngine(t, newFakeClient(), newFakeDialer(), nil)
	require.NoError(t, e.SetIdentity(context.Background(), alice))
	e.Close()
	e.Close()
	assert.Equal(t, stream.StateDisconnected, e.ConnectionState())
	assert.Error(t, e.SetIdentity(context.Background(), bob))
}

func TestNewEngineRequiresCollaborators(t *testing.T) {
	_, err := NewEngine(EngineOptions{Dialer: newFakeDialer()})
	assert.Error(t, err)
	_, err = NewEngine(EngineOptions{Client: newFakeClient()})
	assert.Error(t, err)
}
