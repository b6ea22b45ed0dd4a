package main

import (
	"bufio"
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/config"
	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/desktop"
	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/identity"
	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/metrics"
	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/notifyapi"
	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/notifysync"
	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/stream"
)

func main() {
	logger := logrus.New()
	cfg, help, err := config.Parse(os.Args[1:], logger)
	if errors.Is(err, config.ErrHelp) {
		fmt.Fprint(os.Stderr, help)
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n\n%s", err, help)
		os.Exit(2)
	}
	level, _ := logrus.ParseLevel(cfg.LogLevel)
	logger.SetLevel(level)
	logger.SetOutput(os.Stderr)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var collectors *metrics.Collectors
	if cfg.MetricsAddr != "" {
		registry := prometheus.NewRegistry()
		collectors = metrics.New(registry)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Error("metrics server failed")
			}
		}()
		defer metricsServer.Close()
		logger.WithField("addr", cfg.MetricsAddr).Info("serving metrics")
	}

	client := notifyapi.NewHTTPClient(cfg.BaseURL, cfg.Token, &http.Client{Timeout: cfg.Timeout})
	navigator := notifysync.NewMemoryNavigator(cfg.Location)
	navigator.OnNavigate = func(path string) {
		logger.WithField("path", path).Info("navigated")
	}
	engine, err := notifysync.NewEngine(notifysync.EngineOptions{
		Client:      client,
		Dialer:      &stream.WebsocketDialer{URL: cfg.StreamURL, Token: client.Token},
		Navigator:   navigator,
		Freshness:   cfg.Freshness,
		DialTimeout: cfg.Timeout,
		Logger:      logger,
		Metrics:     collectors,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize feed engine")
	}
	defer engine.Close()

	lines := make(chan string)
	go readLines(os.Stdin, lines)
	con := &console{engine: engine, out: os.Stdout, lines: lines, timeout: cfg.Timeout}

	if cfg.Desktop {
		initial, ok := desktop.ParsePermission(cfg.Permission)
		if !ok {
			logger.WithField("permission", cfg.Permission).Warn("unknown desktop permission, using default")
			initial = desktop.PermissionDefault
		}
		bridge, err := desktop.NewBridge(desktop.BridgeOptions{
			Feed:      engine,
			Navigator: navigator,
			Notifier:  desktop.NewTerminalNotifier(os.Stdout),
			Prompter:  desktop.PromptFunc(con.prompt),
			Initial:   initial,
			Logger:    logger,
		})
		if err != nil {
			logger.WithError(err).Fatal("failed to initialize desktop bridge")
		}
		defer bridge.Close()
		con.bridge = bridge
	}

	applySession := func(session *identity.Session) {
		if session != nil && session.Token == "" {
			session.Token = cfg.Token
		}
		ctx, cancel := context.WithTimeout(rootCtx, cfg.Timeout)
		defer cancel()
		if err := engine.SetSession(ctx, session); err != nil {
			logger.WithError(err).Warn("applying session failed")
		}
	}
	if cfg.SessionFile != "" {
		sessions := make(chan *identity.Session, 1)
		watcher, err := identity.NewWatcher(identity.WatcherOptions{
			Path:   cfg.SessionFile,
			Logger: logger,
			OnChange: func(s *identity.Session) {
				// Keep only the latest session; the main loop applies it.
				select {
				case <-sessions:
				default:
				}
				sessions <- s
			},
		})
		if err != nil {
			logger.WithError(err).Fatal("failed to watch session file")
		}
		if err := watcher.Start(); err != nil {
			logger.WithError(err).Fatal("failed to watch session file")
		}
		defer watcher.Stop()
		run(rootCtx, cfg, engine, con, lines, sessions, applySession, logger)
		return
	}

	session, err := sessionFromToken(cfg.Token)
	if err != nil {
		logger.WithError(err).Fatal("token does not identify a user; use --session-file")
	}
	applySession(session)
	run(rootCtx, cfg, engine, con, lines, nil, applySession, logger)
}

func run(ctx context.Context, cfg config.Config, engine *notifysync.Engine, con *console, lines <-chan string, sessions <-chan *identity.Session, applySession func(*identity.Session), logger logrus.FieldLogger) {
	tick := func() {
		tickCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		if err := engine.Tick(tickCtx); err != nil {
			logger.WithError(err).Warn("feed refresh failed")
		}
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(config.JitteredInterval(cfg.Interval, cfg.IntervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.WithError(ctx.Err()).Info("feed stopping")
			return
		case session := <-sessions:
			applySession(session)
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if con.handle(ctx, line) {
				return
			}
		case <-timer.C:
			tick()
			timer.Reset(config.JitteredInterval(cfg.Interval, cfg.IntervalJitter, rng.Float64()))
		}
	}
}

func readLines(f *os.File, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// sessionFromToken reads the identity claims of a bearer token. The signature
// is not checked; the server verifies it on every request.
func sessionFromToken(token string) (*identity.Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("token is empty")
	}
	var claims struct {
		UserID int64  `json:"user_id"`
		Email  string `json:"email"`
		jwt.RegisteredClaims
	}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, errors.Wrap(err, "parse token claims")
	}
	session := &identity.Session{
		Identity: identity.Identity{UserID: claims.UserID, Email: claims.Email},
		Token:    token,
	}
	if !session.Resolved() {
		return nil, errors.New("token has no user_id or email claim")
	}
	return session, nil
}
