// Package server wires configuration, middleware, and handlers into the
// voicebridge gateway process.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/voicebridge-io/voicebridge/pkg/gateway/config"
	"github.com/voicebridge-io/voicebridge/pkg/gateway/handlers"
	"github.com/voicebridge-io/voicebridge/pkg/gateway/lifecycle"
	"github.com/voicebridge-io/voicebridge/pkg/gateway/mw"
	"github.com/voicebridge-io/voicebridge/pkg/gateway/ratelimit"
	"github.com/voicebridge-io/voicebridge/pkg/metrics"
	"github.com/voicebridge-io/voicebridge/pkg/relay/memory"
	"github.com/voicebridge-io/voicebridge/pkg/relay/session"
	"github.com/voicebridge-io/voicebridge/pkg/relay/sessions"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	lifecycle *lifecycle.Lifecycle
	limiter   *ratelimit.Limiter
	sessions  *sessions.Tracker
	metrics   *metrics.Metrics
	latency   *session.LatencyTracker

	newConversation handlers.ConversationFactory

	redisClient *redis.Client
	pgPool      *pgxpool.Pool
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		lifecycle: &lifecycle.Lifecycle{},
		limiter: ratelimit.New(ratelimit.Config{
			MaxSessionsPerKey: cfg.MaxSessionsPerKey,
		}),
		sessions: sessions.NewTracker(),
		metrics:  metrics.New(cfg.MetricsNamespace),
		latency:  session.NewLatencyTracker(logger, nil),
	}

	if err := s.initConversationArchive(ctx); err != nil {
		return nil, err
	}

	s.routes()
	return s, nil
}

func (s *Server) initConversationArchive(ctx context.Context) error {
	switch s.cfg.MemoryBackend {
	case config.MemoryBackendNone:
		return nil
	case config.MemoryBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     s.cfg.RedisAddr,
			Password: s.cfg.RedisPassword,
			DB:       s.cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("redis conversation archive: %w", err)
		}
		s.redisClient = client
		archive := memory.NewRedisArchive(client, "", s.cfg.RedisTTL)
		s.newConversation = func(sessionID string) session.ConversationLog {
			return memory.NewConversation(sessionID, archive, s.logger)
		}
		return nil
	case config.MemoryBackendPostgres:
		pool, err := pgxpool.New(ctx, s.cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("postgres conversation archive: %w", err)
		}
		s.pgPool = pool
		archive := memory.NewPostgresArchive(pool)
		s.newConversation = func(sessionID string) session.ConversationLog {
			return memory.NewConversation(sessionID, archive, s.logger)
		}
		return nil
	default:
		return fmt.Errorf("unknown memory backend %q", s.cfg.MemoryBackend)
	}
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg, Lifecycle: s.lifecycle})
	s.mux.Handle("/metrics", s.metrics.Handler())

	s.mux.Handle("/v1/call", handlers.CallHandler{
		Config:          s.cfg,
		Logger:          s.logger,
		Lifecycle:       s.lifecycle,
		Limiter:         s.limiter,
		Sessions:        s.sessions,
		Metrics:         s.metrics,
		Latency:         s.latency,
		NewConversation: s.newConversation,
	})
	s.mux.Handle("/v1/sessions", handlers.SessionsHandler{Sessions: s.sessions})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Auth(s.cfg, h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// Drain flips readiness, asks every live session to wind down, and waits
// for them up to the shutdown grace period.
func (s *Server) Drain(ctx context.Context, reason string) {
	s.lifecycle.BeginDrain(reason)
	drained := s.sessions.DrainAll(reason)
	if drained > 0 {
		s.logger.Info("draining live sessions", "count", drained, "reason", reason)
	}
	if !s.sessions.Wait(ctx) {
		s.logger.Warn("sessions still live at drain deadline", "remaining", s.sessions.Count())
	}
}

// Close releases backend connections. Call after Drain.
func (s *Server) Close() {
	if s.redisClient != nil {
		_ = s.redisClient.Close()
	}
	if s.pgPool != nil {
		s.pgPool.Close()
	}
}
