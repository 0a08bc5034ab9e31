package control

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danmuck/soapctl/internal/extract"
	"github.com/danmuck/soapctl/internal/observability"
	"github.com/danmuck/soapctl/internal/remote"
	"github.com/danmuck/soapctl/internal/transfer"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ServiceConfig is the runtime configuration of one soapctl process.
type ServiceConfig struct {
	ListenAddr  string
	MetricsAddr string
	BridgeAddr  string
	Remote      remote.GuardConfig

	// DatabaseURL selects the PostgreSQL store; empty keeps donors in memory.
	DatabaseURL     string
	DatabaseMigrate bool

	RateLimitPerMinute float64
	RateLimitBurst     int

	// ExportActors limits export_donors to these actors when non-empty.
	ExportActors []string
}

// DefaultServiceConfig returns the defaults config files overlay.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr:         "127.0.0.1:7600",
		MetricsAddr:        "",
		BridgeAddr:         "127.0.0.1:7601",
		Remote:             remote.DefaultGuardConfig(),
		DatabaseURL:        "",
		DatabaseMigrate:    true,
		RateLimitPerMinute: 6,
		RateLimitBurst:     2,
	}
}

// Service serves requester actions against one orchestrator.
type Service struct {
	cfg       ServiceConfig
	orch      *transfer.Orchestrator
	extractor extract.Extractor
	limiter   *actorLimiter
	now       func() time.Time
	newID     func() string

	clientCount atomic.Int64
}

// NewService binds the endpoint to its collaborators. extractor may be nil,
// in which case image attachments fail with an extraction error.
func NewService(cfg ServiceConfig, orch *transfer.Orchestrator, extractor extract.Extractor) *Service {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = DefaultServiceConfig().ListenAddr
	}
	cfg.Remote = cfg.Remote.WithDefaults()
	return &Service{
		cfg:       cfg,
		orch:      orch,
		extractor: extractor,
		limiter:   newActorLimiter(cfg.RateLimitPerMinute, cfg.RateLimitBurst),
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Run serves the control endpoint, and metrics when configured, until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("control listening")

	metricsErr := make(chan error, 1)
	if addr := strings.TrimSpace(s.cfg.MetricsAddr); addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           metricsMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		go func() {
			log.Info().Str("addr", addr).Msg("metrics listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				metricsErr <- err
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.Serve(ctx, ln)
	}()
	select {
	case err := <-serveErr:
		return err
	case err := <-metricsErr:
		_ = ln.Close()
		<-serveErr
		return err
	}
}

// Serve accepts control connections on ln until ctx ends.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}
