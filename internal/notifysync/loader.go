package notifysync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/feed"
	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/metrics"
	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/notifyapi"
)

const DefaultFreshness = 30 * time.Second

// FetchError is returned when the unread backlog could not be loaded. The store
// is left as it was.
type FetchError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// LoadStatus is the loader's externally visible state.
type LoadStatus struct {
	Loading     bool
	Err         error
	LastSuccess time.Time
}

type LoadResult struct {
	// Skipped is set when there was no key or the key was still fresh.
	Skipped bool
	// Discarded is set when the fetch was cancelled or superseded before it
	// could be applied.
	Discarded bool
	Count     int
}

type LoaderOptions struct {
	Store     *feed.Store
	Client    notifyapi.Client
	Freshness time.Duration
	Logger    logrus.FieldLogger
	Metrics   *metrics.Collectors
}

// Loader seeds the store with the unread backlog. A load for a key fetched
// within the freshness window is skipped.
type Loader struct {
	store   *feed.Store
	client  notifyapi.Client
	fresh   *cache.Cache
	logger  logrus.FieldLogger
	metrics *metrics.Collectors

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
	status LoadStatus
}

func NewLoader(opts LoaderOptions) (*Loader, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	freshness := opts.Freshness
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Loader{
		store:   opts.Store,
		client:  opts.Client,
		fresh:   cache.New(freshness, 2*freshness),
		logger:  logger.WithField("component", "baseline"),
		metrics: opts.Metrics,
	}, nil
}

// Load fetches the backlog for key and replaces the store with it. Pushes that
// arrive while the fetch is in flight are kept.
func (l *Loader) Load(ctx context.Context, key string) (LoadResult, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return LoadResult{Skipped: true}, nil
	}
	if _, ok := l.fresh.Get(key); ok {
		l.logger.WithField("key", key).Debug("baseline still fresh, skipping")
		l.metrics.Baseline("skipped")
		return LoadResult{Skipped: true}, nil
	}

	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
	}
	l.gen++
	gen := l.gen
	fetchCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.status.Loading = true
	since := l.store.Mark()
	l.mu.Unlock()
	defer cancel()

	items, err := l.client.ListUnread(fetchCtx)

	// The store write happens under mu so that a Cancel returning guarantees
	// this result is either applied already or never applied. Subscribers are
	// notified after mu is released.
	l.mu.Lock()
	if l.gen != gen {
		l.mu.Unlock()
		l.logger.WithField("key", key).Debug("discarding superseded baseline")
		l.metrics.Baseline("discarded")
		return LoadResult{Discarded: true}, nil
	}
	l.cancel = nil
	l.status.Loading = false
	if err != nil {
		fetchErr := &FetchError{Op: "load unread notifications", Retryable: retryable(err), Err: err}
		l.status.Err = fetchErr
		l.mu.Unlock()
		l.logger.WithField("key", key).WithError(err).Warn("baseline fetch failed")
		l.metrics.Baseline("failed")
		return LoadResult{}, fetchErr
	}

	// The API lists oldest first; the store is newest first.
	records := make([]feed.Record, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		records = append(records, items[i].ToRecord())
	}
	publish := l.store.ReplaceAllDeferred(records, since)
	l.fresh.Set(key, time.Now(), cache.DefaultExpiration)
	l.status.Err = nil
	l.status.LastSuccess = time.Now()
	l.mu.Unlock()

	publish()
	l.logger.WithField("key", key).WithField("count", len(records)).Info("baseline loaded")
	l.metrics.Baseline("ok")
	return LoadResult{Count: len(records)}, nil
}

// Cancel aborts any in-flight load. Its result will not be applied.
func (l *Loader) Cancel() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gen++
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.status.Loading = false
}

// Invalidate forgets that key was recently loaded without fetching.
func (l *Loader) Invalidate(key string) {
	l.fresh.Delete(strings.TrimSpace(key))
}

func (l *Loader) Status() LoadStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var httpErr *notifyapi.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Retryable()
	}
	return true
}
