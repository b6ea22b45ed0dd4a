package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/desktop"
	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/hub"
	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/identity"
	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/notifyapi"
	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/notifysync"
	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/stream"
)

const testSecret = "console-secret"

var alice = identity.Identity{UserID: 7, Email: "alice@example.com"}

type consoleFixture struct {
	console *console
	token   string
	out     *bytes.Buffer
	lines   chan string
	hub     *hub.Hub
	engine  *notifysync.Engine
}

func newConsoleFixture(t *testing.T) *consoleFixture {
	t.Helper()
	logger, _ := test.NewNullLogger()
	h := hub.New(logger)
	server := httptest.NewServer(hub.NewServer(h, hub.ServerConfig{JWTSecret: testSecret, Logger: logger}))
	t.Cleanup(server.Close)

	token, err := hub.IssueToken(testSecret, alice, time.Hour)
	require.NoError(t, err)
	client := notifyapi.NewHTTPClient(server.URL, token, nil)
	engine, err := notifysync.NewEngine(notifysync.EngineOptions{
		Client:    client,
		Dialer:    &stream.WebsocketDialer{URL: "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/notifications", Token: client.Token},
		Navigator: notifysync.NewMemoryNavigator("/projects/1"),
		Logger:    logger,
	})
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	out := &bytes.Buffer{}
	lines := make(chan string, 1)
	return &consoleFixture{
		console: &console{engine: engine, out: out, lines: lines, timeout: 2 * time.Second},
		token:   token,
		out:     out,
		lines:   lines,
		hub:     h,
		engine:  engine,
	}
}

func (f *consoleFixture) publish(t *testing.T, subject, path string) {
	t.Helper()
	_, _, err := f.hub.Publish(hub.PublishRequest{UserID: alice.UserID, Email: alice.Email, Subject: subject, Message: "m", Path: path})
	require.NoError(t, err)
}

func (f *consoleFixture) run(t *testing.T, line string) string {
	t.Helper()
	f.out.Reset()
	assert.False(t, f.console.handle(context.Background(), line))
	return f.out.String()
}

func TestConsoleListReadAndRefresh(t *testing.T) {
	f := newConsoleFixture(t)
	f.publish(t, "first", "")
	f.publish(t, "second", "/projects/2")
	require.NoError(t, f.engine.SetSession(context.Background(), &identity.Session{Identity: alice, Token: f.token}))

	listing := f.run(t, "list")
	assert.Contains(t, listing, "second: m -> /projects/2")
	assert.Contains(t, listing, "2 unread")
	assert.Less(t, strings.Index(listing, "second"), strings.Index(listing, "first"))

	id := f.engine.Snapshot()[1].ID
	assert.Contains(t, f.run(t, "read "+id), "(1 unread)")
	assert.Contains(t, f.run(t, "refresh"), "1 notifications, 1 unread")
	assert.Contains(t, f.run(t, "read"), "usage: read <id>")
	assert.Contains(t, f.run(t, "read nope"), "mark read failed")
}

func TestConsoleOpenNavigatesAndMarksRead(t *testing.T) {
	f := newConsoleFixture(t)
	f.publish(t, "task", "/projects/9/tasks")
	require.NoError(t, f.engine.SetSession(context.Background(), &identity.Session{Identity: alice, Token: f.token}))

	id := f.engine.Snapshot()[0].ID
	assert.Empty(t, f.run(t, "open "+id))
	assert.Equal(t, "/projects/9/tasks", f.engine.Navigator().Location())
	assert.Equal(t, 0, f.engine.UnreadCount())
	assert.Contains(t, f.run(t, "open missing"), "no notification missing")
}

func TestConsoleStatusAndGoto(t *testing.T) {
	f := newConsoleFixture(t)
	f.run(t, "goto /settings")
	status := f.run(t, "status")
	assert.Contains(t, status, "stream: "+string(stream.StateDisconnected))
	assert.Contains(t, status, "location: /settings")
	assert.Contains(t, f.run(t, "bogus"), `unknown command "bogus"`)
	assert.Contains(t, f.run(t, "help"), "commands:")
	assert.Empty(t, f.run(t, "   "))
	assert.True(t, f.console.handle(context.Background(), "quit"))
}

func TestConsoleAllowPromptsThroughLines(t *testing.T) {
	f := newConsoleFixture(t)
	assert.Contains(t, f.run(t, "allow"), "disabled")

	logger, _ := test.NewNullLogger()
	bridge, err := desktop.NewBridge(desktop.BridgeOptions{
		Feed:      f.engine,
		Navigator: f.engine.Navigator(),
		Notifier:  stubNotifier{},
		Prompter:  desktop.PromptFunc(f.console.prompt),
		Logger:    logger,
	})
	require.NoError(t, err)
	t.Cleanup(bridge.Close)
	f.console.bridge = bridge

	f.lines <- "yes"
	out := f.run(t, "allow")
	assert.Contains(t, out, "Allow desktop notifications?")
	assert.Contains(t, out, "desktop notifications: granted")
}

func TestPromptHonorsContext(t *testing.T) {
	c := &console{out: &bytes.Buffer{}, lines: make(chan string)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	granted, err := c.prompt(ctx)
	assert.False(t, granted)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSessionFromToken(t *testing.T) {
	token, err := hub.IssueToken(testSecret, alice, time.Hour)
	require.NoError(t, err)
	session, err := sessionFromToken(" " + token + " ")
	require.NoError(t, err)
	assert.Equal(t, alice, session.Identity)
	assert.Equal(t, token, session.Token)

	_, err = sessionFromToken("")
	assert.Error(t, err)
	_, err = sessionFromToken("not-a-token")
	assert.Error(t, err)

	anonymous, err := hub.IssueToken(testSecret, identity.Identity{}, time.Hour)
	require.NoError(t, err)
	_, err = sessionFromToken(anonymous)
	assert.Error(t, err)
}

type stubNotifier struct{}

func (stubNotifier) Supported() bool                 { return true }
func (stubNotifier) Show(desktop.Notification) error { return nil }
func (stubNotifier) Dismiss(string) error            { return nil }
