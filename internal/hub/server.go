package hub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"

	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/identity"
)

var (
	errInvalidRecipient  = errors.New("recipient user_id and email are required")
	errInvalidActionType = errors.New("unknown action_type")
)

type ServerConfig struct {
	JWTSecret    string
	MaxBodyBytes int64
	WriteTimeout time.Duration
	// OriginPatterns are passed to the websocket handshake for cross-origin
	// clients.
	OriginPatterns []string
	Logger         logrus.FieldLogger
}

type Server struct {
	hub    *Hub
	cfg    ServerConfig
	logger logrus.FieldLogger
}

func NewServer(hub *Hub, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{hub: hub, cfg: cfg, logger: logger.WithField("component", "hub-http")}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	var requiredScope, route string
	switch {
	case len(parts) == 2 && parts[0] == "ws" && parts[1] == "notifications" && r.Method == http.MethodGet:
		route = "stream"
	case len(parts) == 3 && parts[0] == "api" && parts[1] == "notifications" && parts[2] == "unread" && r.Method == http.MethodGet:
		route = "unread"
	case len(parts) == 3 && parts[0] == "api" && parts[1] == "notifications" && r.Method == http.MethodPatch:
		route = "patch"
	case len(parts) == 2 && parts[0] == "api" && parts[1] == "notifications" && r.Method == http.MethodPost:
		requiredScope = ScopePublish
		route = "publish"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = "hub_" + uuid.NewString()
	}
	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}

	switch route {
	case "stream":
		s.handleStream(w, r, claims, correlationID)
	case "unread":
		writeJSON(w, http.StatusOK, s.hub.Unread(claims.UserID))
	case "patch":
		s.handlePatch(w, r, claims, parts[2], correlationID)
	case "publish":
		s.handlePublish(w, r, correlationID)
	}
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request, claims Claims, rawID, correlationID string) {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "notification not found", correlationID)
		return
	}
	var body struct {
		IsRead *bool `json:"is_read"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if body.IsRead == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "is_read is required", correlationID)
		return
	}
	n, ok := s.hub.SetRead(claims.UserID, id, *body.IsRead)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "notification not found", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req PublishRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if strings.TrimSpace(req.Subject) == "" || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "subject and message are required", correlationID)
		return
	}
	n, delivered, err := s.hub.Publish(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"notification": n,
		"delivered":    delivered,
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, claims Claims, correlationID string) {
	channel := strings.TrimSpace(r.URL.Query().Get("channel"))
	id := claims.Identity()
	if channel == "" || channel != identity.ChannelKey(&id) {
		writeError(w, http.StatusForbidden, "forbidden", "channel does not belong to caller", correlationID)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.logger.WithError(err).WithField("correlation_id", correlationID).Warn("websocket upgrade failed")
		return
	}
	sub := s.hub.subscribe(channel)
	defer s.hub.unsubscribe(sub)

	// The channel is one-way; reading only detects the client going away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case data := <-sub.send:
			if err := s.write(ctx, conn, data); err != nil {
				s.logger.WithError(err).WithField("subscriber", sub.id).Debug("websocket write failed")
				_ = conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
