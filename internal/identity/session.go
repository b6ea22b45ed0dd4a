package identity

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Session is the on-disk session written by the host application after sign-in.
type Session struct {
	Identity
	Token string `json:"token"`
}

// ChannelKey returns the key for the session's identity, or "" for a nil session.
func (s *Session) ChannelKey() string {
	if s == nil {
		return ""
	}
	return ChannelKey(&s.Identity)
}

// LoadSession reads a session file. A missing or empty file is an anonymous
// session and returns (nil, nil).
func LoadSession(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read session file")
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, nil
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, errors.Wrap(err, "decode session file")
	}
	session.Email = strings.TrimSpace(session.Email)
	session.Token = strings.TrimSpace(session.Token)
	return &session, nil
}

type WatcherOptions struct {
	Path     string
	Debounce time.Duration
	Logger   logrus.FieldLogger
	// OnChange receives the new session whenever its channel key or token changes.
	// A nil session means signed out.
	OnChange func(*Session)
}

// Watcher observes a session file and reports identity changes.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   logrus.FieldLogger
	onChange func(*Session)

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup

	mu        sync.Mutex
	lastKey   string
	lastToken string
	timer     *time.Timer
	stopped   bool
}

func NewWatcher(opts WatcherOptions) (*Watcher, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, errors.New("session path is required")
	}
	if opts.OnChange == nil {
		return nil, errors.New("change callback is required")
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create session watcher")
	}
	return &Watcher{
		path:     filepath.Clean(path),
		debounce: debounce,
		logger:   logger.WithField("component", "session-watcher"),
		onChange: opts.OnChange,
		watcher:  fsw,
		done:     make(chan struct{}),
	}, nil
}

// Start emits the current session once, then watches the session file's
// directory so that atomic replace-by-rename is observed too.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return errors.Wrap(err, "watch session directory")
	}
	w.reload(true)
	w.wg.Add(1)
	go w.loop()
	return nil
}

func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	close(w.done)
	_ = w.watcher.Close()
	w.wg.Wait()
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("session watcher error")
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { w.reload(false) })
}

func (w *Watcher) reload(initial bool) {
	session, err := LoadSession(w.path)
	if err != nil {
		// A half-written file keeps the previous identity until the next event.
		w.logger.WithError(err).Warn("ignoring unreadable session file")
		return
	}
	key := session.ChannelKey()
	token := ""
	if session != nil {
		token = session.Token
	}
	w.mu.Lock()
	if w.stopped || (!initial && key == w.lastKey && token == w.lastToken) {
		w.mu.Unlock()
		return
	}
	w.lastKey = key
	w.lastToken = token
	w.mu.Unlock()
	w.logger.WithField("resolved", key != "").Info("session changed")
	w.onChange(session)
}
