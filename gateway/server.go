// Copyright 2025 Tamshai
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/jcornell3/tamshai-enterprise-ai-sub011/gateway/audit"
	"github.com/jcornell3/tamshai-enterprise-ai-sub011/gateway/auth"
	"github.com/jcornell3/tamshai-enterprise-ai-sub011/gateway/confirm"
	"github.com/jcornell3/tamshai-enterprise-ai-sub011/gateway/defense"
	"github.com/jcornell3/tamshai-enterprise-ai-sub011/gateway/orchestrator"
	"github.com/jcornell3/tamshai-enterprise-ai-sub011/gateway/revocation"
	"github.com/jcornell3/tamshai-enterprise-ai-sub011/gateway/router"
	"github.com/jcornell3/tamshai-enterprise-ai-sub011/shared/logger"
)

// Server is the assembled gateway: all collaborators wired, routes
// registered, ready to serve.
type Server struct {
	config *Config
	log    *logger.Logger

	validator   *auth.Validator
	revocations revocation.Store
	registry    *router.Registry
	defense     *defense.Pipeline
	confirms    *confirm.Manager
	backends    *orchestrator.BackendClient
	engine      *orchestrator.Engine
	audit       *audit.Logger

	redisClient *redis.Client
	db          *sql.DB
	httpServer  *http.Server
}

// NewServer wires the gateway from config. Redis and PostgreSQL are
// optional; without them the revocation, confirmation, and audit
// stores run in memory mode (single node, development).
func NewServer(config *Config) (*Server, error) {
	s := &Server{
		config:  config,
		log:     logger.New("gateway"),
		defense: defense.NewDefaultPipeline(),
	}
	s.defense.SetObserver(func(layer string, action defense.Action) {
		metricDefenseVerdicts.WithLabelValues(layer, action.String()).Inc()
	})

	if config.RedisURL != "" {
		opts, err := redis.ParseURL(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redisClient = redis.NewClient(opts)
		s.revocations = revocation.NewRedisStore(s.redisClient)
		s.confirms = confirm.NewManager(confirm.NewRedisStore(s.redisClient), config.ConfirmTTL)
		s.log.Info("", "", "using Redis for revocation and confirmation state", nil)
	} else {
		s.revocations = revocation.NewMemoryStore()
		s.confirms = confirm.NewManager(confirm.NewMemoryStore(), config.ConfirmTTL)
		s.log.Warn("", "", "REDIS_URL not set, using in-memory stores (single node only)", nil)
	}

	if config.DatabaseURL != "" {
		db, err := sql.Open("postgres", config.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		s.db = db
	}
	s.audit = audit.NewLogger(audit.Config{
		DB:           s.db,
		OnWriteError: func(error) { metricAuditWriteFailures.Inc() },
	})

	s.validator = auth.NewValidator(auth.Config{
		IssuerURL:        config.IssuerURL,
		Audience:         config.Audience,
		ClientID:         config.OAuthClientID,
		JWKSFetchTimeout: config.JWKSFetchTimeout,
	}, s.revocations)

	var err error
	if config.ToolRegistryPath != "" {
		s.registry, err = router.LoadRegistry(config.ToolRegistryPath)
	} else {
		s.registry, err = router.NewRegistry(router.DefaultTools(), router.DefaultRoleConfig())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build tool registry: %w", err)
	}

	s.backends = orchestrator.NewBackendClient(config.Backends, config.BackendTimeout)
	s.engine = orchestrator.NewEngine(orchestrator.EngineConfig{
		Provider:      orchestrator.NewOpenAIProvider(config.LLMAPIKey, config.LLMModel, config.LLMBaseURL),
		Backends:      s.backends,
		Registry:      s.registry,
		Defense:       s.defense,
		Confirms:      s.confirms,
		Audit:         s.audit,
		Logger:        logger.New("orchestrator"),
		MaxIterations: config.MaxIterations,
	})

	s.httpServer = &http.Server{
		Addr:         ":" + config.Port,
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: config.RequestTimeout,
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

// SetProvider swaps the model provider. Used by tests to install a
// scripted fake before any request is served.
func (s *Server) SetProvider(p orchestrator.Provider) {
	s.engine = orchestrator.NewEngine(orchestrator.EngineConfig{
		Provider:      p,
		Backends:      s.backends,
		Registry:      s.registry,
		Defense:       s.defense,
		Confirms:      s.confirms,
		Audit:         s.audit,
		Logger:        logger.New("orchestrator"),
		MaxIterations: s.config.MaxIterations,
	})
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/query", s.handleQuery).Methods(http.MethodPost)
	api.HandleFunc("/confirm/{ticketId}", s.handleConfirm).Methods(http.MethodPost)
	api.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost)
	api.HandleFunc("/audit/recent", s.handleAuditRecent).Methods(http.MethodGet)

	r.Use(s.observeMiddleware)

	c := cors.New(cors.Options{
		AllowedOrigins:   s.config.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

// observeMiddleware records request metrics and structured logs.
func (s *Server) observeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		elapsed := time.Since(start)
		metricRequests.WithLabelValues(route, strconv.Itoa(recorder.status/100*100)).Inc()
		metricRequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
		s.log.InfoWithDuration("", r.Header.Get("X-Request-ID"), "request handled",
			float64(elapsed.Milliseconds()), map[string]interface{}{
				"method": r.Method,
				"path":   route,
				"status": recorder.status,
			})
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps streaming working through the middleware wrapper.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Start serves until the context is cancelled, then drains.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("", "", "gateway listening", map[string]interface{}{"port": s.config.Port})
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	if err := s.audit.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("", "", "audit queue did not drain before shutdown deadline", nil)
	}
	if s.redisClient != nil {
		_ = s.redisClient.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
	return nil
}

// Handler exposes the routed handler for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.routes()
}
