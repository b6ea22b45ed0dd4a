package notifysync

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/feed"
	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/notifyapi"
	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/stream"
)

type fakeClient struct {
	mu        sync.Mutex
	items     []notifyapi.HistoricalNotification
	listErr   error
	listGate  chan struct{}
	listStart chan struct{}
	listCalls int
	markErr   error
	markGate  chan struct{}
	markStart chan struct{}
	markCalls map[string]int
	token     string
}

func newFakeClient(items ...notifyapi.HistoricalNotification) *fakeClient {
	return &fakeClient{items: items, markCalls: map[string]int{}}
}

func (c *fakeClient) ListUnread(ctx context.Context) ([]notifyapi.HistoricalNotification, error) {
	c.mu.Lock()
	c.listCalls++
	gate, start := c.listGate, c.listStart
	c.mu.Unlock()
	if start != nil {
		start <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listErr != nil {
		return nil, c.listErr
	}
	return append([]notifyapi.HistoricalNotification(nil), c.items...), nil
}

func (c *fakeClient) MarkRead(ctx context.Context, id string) error {
	c.mu.Lock()
	c.markCalls[id]++
	gate, start := c.markGate, c.markStart
	c.mu.Unlock()
	if start != nil {
		start <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.markErr
}

func (c *fakeClient) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *fakeClient) lists() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listCalls
}

func (c *fakeClient) marks(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.markCalls[id]
}

type fakeConn struct {
	msgs      chan []byte
	fail      chan error
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, errors.New("closed")
	case err := <-c.fail:
		return nil, err
	case msg := <-c.msgs:
		return msg, nil
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	conns map[string][]*fakeConn
	order []string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: map[string][]*fakeConn{}}
}

func (d *fakeDialer) Dial(_ context.Context, key string) (stream.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn := &fakeConn{
		msgs:   make(chan []byte, 16),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	d.conns[key] = append(d.conns[key], conn)
	d.order = append(d.order, key)
	return conn, nil
}

func (d *fakeDialer) conn(key string) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.conns[key]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order)
}

func quietLogger() logrus.FieldLogger {
	logger, _ := test.NewNullLogger()
	return logger
}

func historical(id string, read bool) notifyapi.HistoricalNotification {
	return notifyapi.HistoricalNotification{
		ID:      notifyapi.ID(id),
		Subject: "subject " + id,
		Message: "message " + id,
		IsRead:  read,
	}
}

func ids(records []feed.Record) []string {
	out := make([]string, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.ID)
	}
	return out
}

func newTestLoader(t *testing.T, store *feed.Store, client notifyapi.Client) *Loader {
	t.Helper()
	loader, err := NewLoader(LoaderOptions{Store: store, Client: client, Logger: quietLogger()})
	require.NoError(t, err)
	return loader
}

// requireUnreadConsistent checks the derived count against the records after
// every change.
func requireUnreadConsistent(t *testing.T, store *feed.Store) {
	t.Helper()
	dispose := store.Subscribe(func(change feed.Change) {
		unread := 0
		for _, rec := range store.Snapshot() {
			if !rec.Read {
				unread++
			}
		}
		if unread != store.UnreadCount() {
			t.Errorf("unread count drifted after %s: %d != %d", change.Kind, store.UnreadCount(), unread)
		}
	})
	t.Cleanup(dispose)
}
