package notifysync

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/feed"
	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/metrics"
	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/notifyapi"
)

var ErrNotFound = errors.New("notification not found")

type CoordinatorOptions struct {
	Store      *feed.Store
	Client     notifyapi.Client
	Loader     *Loader
	CurrentKey func() string
	Logger     logrus.FieldLogger
	Metrics    *metrics.Collectors
}

// Coordinator applies mark-as-read locally first and rolls the single record
// back if the server rejects it.
type Coordinator struct {
	store      *feed.Store
	client     notifyapi.Client
	loader     *Loader
	currentKey func() string
	logger     logrus.FieldLogger
	metrics    *metrics.Collectors

	inflight singleflight.Group
}

func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	if opts.Loader == nil {
		return nil, errors.New("loader is required")
	}
	currentKey := opts.CurrentKey
	if currentKey == nil {
		currentKey = func() string { return "" }
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Coordinator{
		store:      opts.Store,
		client:     opts.Client,
		loader:     opts.Loader,
		currentKey: currentKey,
		logger:     logger.WithField("component", "mutation"),
		metrics:    opts.Metrics,
	}, nil
}

// MarkRead marks id read. Concurrent calls for the same id share one server
// confirmation and its outcome. The shared confirmation is not bound to any
// caller's cancellation; a caller whose ctx ends stops waiting and gets
// ctx.Err(), while the confirmation (and any rollback) still completes.
func (c *Coordinator) MarkRead(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	rec, ok := c.store.Get(id)
	if !ok {
		return ErrNotFound
	}
	if rec.Synthetic {
		// No server record exists for a locally synthesized id.
		c.store.PatchRead(id, true)
		c.metrics.Mutation("local")
		return nil
	}
	ch := c.inflight.DoChan(id, func() (any, error) {
		return nil, c.markRead(context.WithoutCancel(ctx), id)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) markRead(ctx context.Context, id string) error {
	logger := c.logger.WithField("id", id)
	c.loader.Cancel()

	prev, ok := c.store.PatchRead(id, true)
	if !ok {
		return ErrNotFound
	}
	if prev {
		c.metrics.Mutation("noop")
		return nil
	}

	if err := c.client.MarkRead(ctx, id); err != nil {
		if c.store.RevertRead(id, true, prev) {
			logger.WithError(err).Warn("mark read rejected, reverted")
		} else {
			logger.WithError(err).Warn("mark read rejected, record changed since")
		}
		c.metrics.Mutation("failed")
		return errors.Wrapf(err, "mark notification %s read", id)
	}
	if key := c.currentKey(); key != "" {
		c.loader.Invalidate(key)
	}
	logger.Debug("mark read confirmed")
	c.metrics.Mutation("ok")
	return nil
}
