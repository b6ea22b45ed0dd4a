package notifysync

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/sirupsen/logrus"

	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/feed"
	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/metrics"
	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/notifyapi"
	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/stream"
)

// EventNotification is the stream event type carrying one notification.
const EventNotification = "notification"

const pushSchemaURL = "push-notification.json"

const pushSchema = `{
	"type": "object",
	"required": ["subject", "message"],
	"properties": {
		"id": {"type": ["string", "integer", "null"]},
		"subject": {"type": "string"},
		"message": {"type": "string"},
		"messageTime": {"type": ["string", "null"]},
		"path": {"type": ["string", "null"]},
		"actionType": {"type": ["string", "null"]},
		"read": {"type": ["boolean", "null"]}
	}
}`

type pushPayload struct {
	ID          notifyapi.ID `json:"id"`
	Subject     string       `json:"subject"`
	Message     string       `json:"message"`
	MessageTime string       `json:"messageTime"`
	Path        string       `json:"path"`
	ActionType  string       `json:"actionType"`
	Read        *bool        `json:"read"`
}

type OrchestratorOptions struct {
	Store     *feed.Store
	Loader    *Loader
	Navigator Navigator
	// CurrentKey returns the channel key the engine is subscribed to. Events
	// delivered under any other key are dropped.
	CurrentKey func() string
	// NewID synthesizes ids for payloads without one. Defaults to monotonic ULIDs.
	NewID   func() string
	Logger  logrus.FieldLogger
	Metrics *metrics.Collectors
}

// Orchestrator merges push events into the store.
type Orchestrator struct {
	store      *feed.Store
	loader     *Loader
	navigator  Navigator
	currentKey func() string
	newID      func() string
	schema     *jsonschema.Schema
	logger     logrus.FieldLogger
	metrics    *metrics.Collectors

	mu        sync.Mutex
	observers []surfaceObserver
	nextID    uint64
}

type surfaceObserver struct {
	id uint64
	fn func(feed.Record)
}

func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Loader == nil {
		return nil, errors.New("loader is required")
	}
	if opts.CurrentKey == nil {
		return nil, errors.New("current key func is required")
	}
	schema, err := compilePushSchema()
	if err != nil {
		return nil, err
	}
	navigator := opts.Navigator
	if navigator == nil {
		navigator = NewMemoryNavigator("/")
	}
	newID := opts.NewID
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Orchestrator{
		store:      opts.Store,
		loader:     opts.Loader,
		navigator:  navigator,
		currentKey: opts.CurrentKey,
		newID:      newID,
		schema:     schema,
		logger:     logger.WithField("component", "orchestrator"),
		metrics:    opts.Metrics,
	}, nil
}

func compilePushSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(pushSchema))
	if err != nil {
		return nil, errors.Wrap(err, "decode push schema")
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(pushSchemaURL, doc); err != nil {
		return nil, errors.Wrap(err, "add push schema")
	}
	schema, err := compiler.Compile(pushSchemaURL)
	if err != nil {
		return nil, errors.Wrap(err, "compile push schema")
	}
	return schema, nil
}

// Attach registers the orchestrator on m and returns the disposer.
func (o *Orchestrator) Attach(m *stream.Manager) func() {
	return m.AddEventListener(EventNotification, o.Handle)
}

// OnSurfaced registers fn to receive every record newly inserted from the
// stream. It runs on the stream's reader goroutine.
func (o *Orchestrator) OnSurfaced(fn func(feed.Record)) func() {
	if fn == nil {
		return func() {}
	}
	o.mu.Lock()
	o.nextID++
	id := o.nextID
	o.observers = append(o.observers, surfaceObserver{id: id, fn: fn})
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		for i, obs := range o.observers {
			if obs.id == id {
				o.observers = append(o.observers[:i:i], o.observers[i+1:]...)
				return
			}
		}
	}
}

// Handle applies one push event.
func (o *Orchestrator) Handle(event stream.Event) {
	logger := o.logger.WithField("key", event.Key)
	if current := o.currentKey(); current == "" || event.Key != current {
		logger.Debug("dropping event for inactive key")
		o.metrics.Push("stale_key")
		return
	}
	rec, err := o.parse(event.Data)
	if err != nil {
		logger.WithError(err).Warn("dropping malformed notification")
		o.metrics.Push("malformed")
		return
	}
	logger = logger.WithField("id", rec.ID)

	if rec.ActionType == feed.ActionRevoke && rec.Path != "" && underPath(o.navigator.Location(), rec.Path) {
		logger.WithField("path", rec.Path).Info("current view revoked, returning to root")
		o.navigator.Navigate("/")
		o.metrics.Push("revoked")
		o.loader.Invalidate(event.Key)
		return
	}

	if !o.store.InsertIfAbsent(rec) {
		logger.Debug("duplicate notification ignored")
		o.metrics.Push("duplicate")
		o.loader.Invalidate(event.Key)
		return
	}
	o.metrics.Push("inserted")
	o.loader.Invalidate(event.Key)
	if o.currentKey() != event.Key {
		// The identity changed mid-event; the engine clears this record.
		logger.Debug("identity changed, not surfacing")
		return
	}
	o.surface(rec)
}

func (o *Orchestrator) parse(data json.RawMessage) (feed.Record, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return feed.Record{}, errors.New("empty payload")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return feed.Record{}, errors.Wrap(err, "decode payload")
	}
	if err := o.schema.Validate(inst); err != nil {
		return feed.Record{}, errors.Wrap(err, "validate payload")
	}
	var payload pushPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return feed.Record{}, errors.Wrap(err, "decode payload")
	}

	rec := feed.Record{
		ID:          payload.ID.String(),
		Subject:     payload.Subject,
		Message:     payload.Message,
		MessageTime: notifyapi.ParseMessageTime(payload.MessageTime),
		Path:        strings.TrimSpace(payload.Path),
	}
	if rec.ID == "" {
		rec.ID = o.newID()
		rec.Synthetic = true
	}
	if payload.Read != nil {
		rec.Read = *payload.Read
	}
	action, ok := feed.ParseActionType(strings.TrimSpace(payload.ActionType))
	if !ok {
		action = feed.ActionInfo
	}
	rec.ActionType = action
	return rec, nil
}

func (o *Orchestrator) surface(rec feed.Record) {
	o.mu.Lock()
	fns := make([]func(feed.Record), 0, len(o.observers))
	for _, obs := range o.observers {
		fns = append(fns, obs.fn)
	}
	o.mu.Unlock()
	for _, fn := range fns {
		o.invoke(fn, rec)
	}
}

func (o *Orchestrator) invoke(fn func(feed.Record), rec feed.Record) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.WithField("id", rec.ID).WithField("panic", r).Error("surface observer panicked")
		}
	}()
	fn(rec)
}
