package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/hub"
	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/identity"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := issueToken(os.Stdout, os.Args[2:], os.Getenv("NOTIFY_HUB_JWT_SECRET"), durationEnv(logger, "NOTIFY_HUB_TOKEN_TTL", 24*time.Hour)); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\nusage: notify-hub token <user_id> <email> [scope,...]\n", err)
			os.Exit(2)
		}
		return
	}

	addr := os.Getenv("NOTIFY_HUB_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	secret := os.Getenv("NOTIFY_HUB_JWT_SECRET")
	if secret == "" {
		logger.Fatal("NOTIFY_HUB_JWT_SECRET is required")
	}
	var origins []string
	for _, origin := range strings.Split(os.Getenv("NOTIFY_HUB_ORIGINS"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}

	h := hub.New(logger)
	server := &http.Server{
		Addr: addr,
		Handler: hub.NewServer(h, hub.ServerConfig{
			JWTSecret:      secret,
			MaxBodyBytes:   int64Env(logger, "NOTIFY_HUB_MAX_BODY_BYTES", 0),
			WriteTimeout:   durationEnv(logger, "NOTIFY_HUB_WRITE_TIMEOUT", 0),
			OriginPatterns: origins,
			Logger:         logger,
		}),
		ReadHeaderTimeout: durationEnv(logger, "NOTIFY_HUB_READ_HEADER_TIMEOUT", 10*time.Second),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), durationEnv(logger, "NOTIFY_HUB_SHUTDOWN_TIMEOUT", 5*time.Second))
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("shutdown incomplete")
		}
	}()

	logger.WithField("addr", addr).Info("notify-hub listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.WithError(err).Fatal("server failed")
	}
}

func issueToken(out io.Writer, args []string, secret string, ttl time.Duration) error {
	if len(args) < 2 || len(args) > 3 {
		return errors.New("expected user id and email")
	}
	userID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid user id %q", args[0])
	}
	id := identity.Identity{UserID: userID, Email: strings.TrimSpace(args[1])}
	if !id.Resolved() {
		return errors.Errorf("identity %d/%s is incomplete", id.UserID, id.Email)
	}
	var scopes []string
	if len(args) == 3 {
		for _, scope := range strings.Split(args[2], ",") {
			if scope = strings.TrimSpace(scope); scope != "" {
				scopes = append(scopes, scope)
			}
		}
	}
	token, err := hub.IssueToken(secret, id, ttl, scopes...)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

func int64Env(logger logrus.FieldLogger, name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logger.Warnf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(logger logrus.FieldLogger, name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logger.Warnf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
