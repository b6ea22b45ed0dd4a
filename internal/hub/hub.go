// Package hub is a development notifications backend: an in-memory inbox per
// user, the REST endpoints the feed client consumes, and a websocket push
// channel keyed by channel key.
package hub

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/feed"
	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/identity"
)

type Notification struct {
	ID          int64     `json:"id"`
	Subject     string    `json:"subject"`
	Message     string    `json:"message"`
	MessageTime time.Time `json:"message_time"`
	IsRead      bool      `json:"is_read"`
	Path        string    `json:"path,omitempty"`
	ActionType  string    `json:"action_type"`

	userID int64
}

// pushPayload is the push channel's view of a notification.
type pushPayload struct {
	ID          *int64 `json:"id,omitempty"`
	Subject     string `json:"subject"`
	Message     string `json:"message"`
	MessageTime string `json:"messageTime,omitempty"`
	Path        string `json:"path,omitempty"`
	ActionType  string `json:"actionType,omitempty"`
	Read        bool   `json:"read"`
}

type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type PublishRequest struct {
	UserID     int64  `json:"user_id"`
	Email      string `json:"email"`
	Subject    string `json:"subject"`
	Message    string `json:"message"`
	Path       string `json:"path,omitempty"`
	ActionType string `json:"action_type,omitempty"`
	// Ephemeral notifications are pushed without an id and never stored.
	Ephemeral bool `json:"ephemeral,omitempty"`
}

type subscriber struct {
	id   string
	key  string
	send chan []byte
}

// Hub holds inboxes and live subscribers.
type Hub struct {
	logger logrus.FieldLogger
	now    func() time.Time

	mu            sync.Mutex
	nextID        int64
	notifications map[int64]*Notification
	subscribers   map[string]map[string]*subscriber
}

func New(logger logrus.FieldLogger) *Hub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Hub{
		logger:        logger.WithField("component", "hub"),
		now:           func() time.Time { return time.Now().UTC() },
		notifications: map[int64]*Notification{},
		subscribers:   map[string]map[string]*subscriber{},
	}
}

// Unread lists the user's unread notifications oldest first.
func (h *Hub) Unread(userID int64) []Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := []Notification{}
	for _, n := range h.notifications {
		if n.userID == userID && !n.IsRead {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetRead updates one of the user's notifications. It reports false when the
// notification does not exist or belongs to someone else.
func (h *Hub) SetRead(userID, id int64, read bool) (Notification, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.notifications[id]
	if !ok || n.userID != userID {
		return Notification{}, false
	}
	n.IsRead = read
	return *n, true
}

// Publish stores the notification (unless ephemeral or a revoke) and pushes it
// to every subscriber of the recipient's channel key.
func (h *Hub) Publish(req PublishRequest) (Notification, int, error) {
	recipient := identity.Identity{UserID: req.UserID, Email: strings.TrimSpace(req.Email)}
	key := identity.ChannelKey(&recipient)
	if key == "" {
		return Notification{}, 0, errInvalidRecipient
	}
	action, ok := feed.ParseActionType(strings.TrimSpace(req.ActionType))
	if !ok {
		return Notification{}, 0, errInvalidActionType
	}
	n := Notification{
		Subject:     req.Subject,
		Message:     req.Message,
		MessageTime: h.now(),
		Path:        strings.TrimSpace(req.Path),
		ActionType:  string(action),
		userID:      recipient.UserID,
	}
	payload := pushPayload{
		Subject:     n.Subject,
		Message:     n.Message,
		MessageTime: n.MessageTime.Format(time.RFC3339Nano),
		Path:        n.Path,
		ActionType:  n.ActionType,
	}

	h.mu.Lock()
	if !req.Ephemeral && action != feed.ActionRevoke {
		h.nextID++
		n.ID = h.nextID
		stored := n
		h.notifications[n.ID] = &stored
		id := n.ID
		payload.ID = &id
	}
	subs := make([]*subscriber, 0, len(h.subscribers[key]))
	for _, sub := range h.subscribers[key] {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	data, err := json.Marshal(envelope{Type: "notification", Data: payload})
	if err != nil {
		return Notification{}, 0, err
	}
	delivered := 0
	for _, sub := range subs {
		select {
		case sub.send <- data:
			delivered++
		default:
			h.logger.WithField("subscriber", sub.id).Warn("subscriber backlog full, dropping message")
		}
	}
	return n, delivered, nil
}

func (h *Hub) subscribe(key string) *subscriber {
	sub := &subscriber{id: uuid.NewString(), key: key, send: make(chan []byte, 32)}
	h.mu.Lock()
	if h.subscribers[key] == nil {
		h.subscribers[key] = map[string]*subscriber{}
	}
	h.subscribers[key][sub.id] = sub
	total := len(h.subscribers[key])
	h.mu.Unlock()
	h.logger.WithField("subscriber", sub.id).WithField("subscribers", total).Info("websocket subscriber registered")
	return sub
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	delete(h.subscribers[sub.key], sub.id)
	if len(h.subscribers[sub.key]) == 0 {
		delete(h.subscribers, sub.key)
	}
	h.mu.Unlock()
	h.logger.WithField("subscriber", sub.id).Info("websocket subscriber unregistered")
}

// Subscribers returns the number of live subscribers for key.
func (h *Hub) Subscribers(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers[key])
}
