// Package chat serves the Atlas HTTP API: the metered chat relay to OpenAI and
// Anthropic plus the usage, billing and health endpoints around it.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/atlas-chat/atlas/pkg/auth"
	"github.com/atlas-chat/atlas/pkg/billing"
	"github.com/atlas-chat/atlas/pkg/budget"
	"github.com/atlas-chat/atlas/pkg/config"
	ierr "github.com/atlas-chat/atlas/pkg/errors"
	"github.com/atlas-chat/atlas/pkg/logger"
	"github.com/atlas-chat/atlas/pkg/metrics"
	"github.com/atlas-chat/atlas/pkg/models"
	"github.com/atlas-chat/atlas/pkg/pricing"
	"github.com/atlas-chat/atlas/pkg/router"
	"github.com/atlas-chat/atlas/pkg/store"
	"github.com/atlas-chat/atlas/pkg/tiers"
)

// Response headers set by the chat endpoint.
const (
	HeaderPriorityOverride = "X-Atlas-Priority-Override"
	HeaderConversationID   = "X-Atlas-Conversation-Id"
	HeaderProvider         = "X-Atlas-Provider"
)

// Deps are the collaborators of a Server.
type Deps struct {
	Store    store.Store
	Tiers    *tiers.Registry
	Pricing  *pricing.Table
	Budget   *budget.Checker
	Billing  *billing.Service
	Verifier *auth.Verifier
	Metrics  *metrics.Metrics
	Logger   *logger.Logger
	// Client overrides the upstream HTTP client. Tests use it to skip retry waits.
	Client *http.Client
}

// Server is the Atlas API server.
type Server struct {
	cfg      *config.Config
	store    store.Store
	tiers    *tiers.Registry
	pricing  *pricing.Table
	budget   *budget.Checker
	billing  *billing.Service
	router   *router.Router
	metrics  *metrics.Metrics
	log      *logger.Logger
	client   *http.Client
	profiles *expirable.LRU[string, models.Profile]
	validate *validator.Validate
	handler  http.Handler
	now      func() time.Time
}

// New creates a Server wired with all dependencies.
func New(cfg *config.Config, d Deps) *Server {
	log := d.Logger
	if log == nil {
		log = logger.NewNop()
	}
	client := d.Client
	if client == nil {
		client = NewUpstreamClient(ClientConfig{
			Timeout:  cfg.Chat.UpstreamTimeout,
			RetryMax: cfg.Chat.RetryMax,
		}, log)
	}

	s := &Server{
		cfg:      cfg,
		store:    d.Store,
		tiers:    d.Tiers,
		pricing:  d.Pricing,
		budget:   d.Budget,
		billing:  d.Billing,
		router:   router.New(cfg),
		metrics:  d.Metrics,
		log:      log.Named("chat"),
		client:   client,
		profiles: expirable.NewLRU[string, models.Profile](cfg.Chat.ProfileCacheSize, nil, cfg.Chat.ProfileCacheTTL),
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}

	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(auth.Middleware(d.Verifier))
	api.HandleFunc("/chat", s.handleChat).Methods(http.MethodPost)
	api.HandleFunc("/usage", s.handleUsage).Methods(http.MethodGet)
	api.HandleFunc("/billing/charges", s.handleCharges).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/messages", s.handleConversation).Methods(http.MethodGet)

	internal := r.PathPrefix("/internal").Subrouter()
	internal.Use(auth.AdminMiddleware(cfg.Auth.AdminToken))
	internal.HandleFunc("/billing/run", s.handleBillingRun).Methods(http.MethodPost)

	s.handler = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ListenAndServe starts the server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("atlas api listening", "addr", s.cfg.Listen, "providers", s.router.Providers())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"atlas_error","code":%d}}`, message, code)
}

// writeError maps a marked error to its status code and user-facing hint.
func writeError(w http.ResponseWriter, err error, fallback string) {
	writeJSONError(w, ierr.HTTPStatus(err), ierr.Hint(err, fallback))
}
