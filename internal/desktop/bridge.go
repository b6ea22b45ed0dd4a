// Package desktop mirrors surfaced notifications as OS-level notifications once
// the user has granted permission.
package desktop

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/feed"
)

type Permission string

const (
	PermissionUnsupported Permission = "unsupported"
	PermissionDefault     Permission = "default"
	PermissionGranted     Permission = "granted"
	PermissionDenied      Permission = "denied"
)

func ParsePermission(raw string) (Permission, bool) {
	switch Permission(strings.ToLower(strings.TrimSpace(raw))) {
	case PermissionUnsupported:
		return PermissionUnsupported, true
	case PermissionDefault, "":
		return PermissionDefault, true
	case PermissionGranted:
		return PermissionGranted, true
	case PermissionDenied:
		return PermissionDenied, true
	}
	return "", false
}

type Notification struct {
	ID    string
	Title string
	Body  string
}

type Notifier interface {
	Supported() bool
	Show(n Notification) error
	Dismiss(id string) error
}

// Prompter asks the user whether notifications may be shown.
type Prompter interface {
	Prompt(ctx context.Context) (bool, error)
}

// Feed is the part of the engine the bridge consumes.
type Feed interface {
	Get(id string) (feed.Record, bool)
	MarkRead(ctx context.Context, id string) error
	OnSurfaced(fn func(feed.Record)) func()
}

type Navigator interface {
	Navigate(path string)
}

type BridgeOptions struct {
	Feed      Feed
	Navigator Navigator
	Notifier  Notifier
	Prompter  Prompter
	// Initial is the permission remembered from an earlier run. Ignored when the
	// notifier is unsupported.
	Initial Permission
	Logger  logrus.FieldLogger
}

type Bridge struct {
	feed      Feed
	navigator Navigator
	notifier  Notifier
	prompter  Prompter
	logger    logrus.FieldLogger

	mu         sync.Mutex
	permission Permission
	shown      map[string]struct{}
	dispose    func()
}

func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Feed == nil {
		return nil, errors.New("feed is required")
	}
	if opts.Navigator == nil {
		return nil, errors.New("navigator is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	permission := PermissionUnsupported
	if opts.Notifier != nil && opts.Notifier.Supported() {
		permission = opts.Initial
		if permission == "" || permission == PermissionUnsupported {
			permission = PermissionDefault
		}
	}
	b := &Bridge{
		feed:       opts.Feed,
		navigator:  opts.Navigator,
		notifier:   opts.Notifier,
		prompter:   opts.Prompter,
		logger:     logger.WithField("component", "desktop"),
		permission: permission,
		shown:      map[string]struct{}{},
	}
	b.dispose = opts.Feed.OnSurfaced(b.surface)
	return b, nil
}

func (b *Bridge) Permission() Permission {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.permission
}

// RequestPermission asks the user. Call it only in response to an explicit user
// action. Only the default state prompts; every other state is returned as is.
func (b *Bridge) RequestPermission(ctx context.Context) (Permission, error) {
	b.mu.Lock()
	current := b.permission
	b.mu.Unlock()
	if current != PermissionDefault {
		return current, nil
	}
	if b.prompter == nil {
		return current, errors.New("no permission prompter configured")
	}
	granted, err := b.prompter.Prompt(ctx)
	if err != nil {
		return current, err
	}
	next := PermissionDenied
	if granted {
		next = PermissionGranted
	}
	b.mu.Lock()
	if b.permission == PermissionDefault {
		b.permission = next
	}
	next = b.permission
	b.mu.Unlock()
	b.logger.WithField("permission", next).Info("notification permission decided")
	return next, nil
}

// Click runs the same path as selecting the entry in the feed: navigate, mark
// read, then dismiss the OS notification.
func (b *Bridge) Click(ctx context.Context, id string) error {
	rec, ok := b.feed.Get(id)
	if ok && rec.Path != "" {
		b.navigator.Navigate(rec.Path)
	}
	var markErr error
	if ok {
		markErr = b.feed.MarkRead(ctx, id)
		if markErr != nil {
			b.logger.WithField("id", id).WithError(markErr).Warn("mark read from desktop notification failed")
		}
	}
	b.dismiss(id)
	return markErr
}

// Shown returns the ids of notifications currently displayed.
func (b *Bridge) Shown() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.shown))
	for id := range b.shown {
		out = append(out, id)
	}
	return out
}

func (b *Bridge) Close() {
	b.mu.Lock()
	dispose := b.dispose
	b.dispose = nil
	b.mu.Unlock()
	if dispose != nil {
		dispose()
	}
}

func (b *Bridge) surface(rec feed.Record) {
	if rec.ActionType == feed.ActionRevoke {
		return
	}
	b.mu.Lock()
	if b.permission != PermissionGranted {
		b.mu.Unlock()
		return
	}
	b.shown[rec.ID] = struct{}{}
	b.mu.Unlock()
	if err := b.notifier.Show(Notification{ID: rec.ID, Title: rec.Subject, Body: rec.Message}); err != nil {
		b.logger.WithField("id", rec.ID).WithError(err).Warn("show desktop notification failed")
		b.mu.Lock()
		delete(b.shown, rec.ID)
		b.mu.Unlock()
	}
}

func (b *Bridge) dismiss(id string) {
	b.mu.Lock()
	_, shown := b.shown[id]
	delete(b.shown, id)
	b.mu.Unlock()
	if !shown || b.notifier == nil {
		return
	}
	if err := b.notifier.Dismiss(id); err != nil {
		b.logger.WithField("id", id).WithError(err).Debug("dismiss desktop notification failed")
	}
}
