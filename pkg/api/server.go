package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/recur/pkg/billing"
	"github.com/platinummonkey/recur/pkg/eventlog"
	"github.com/platinummonkey/recur/pkg/httputil"
	"github.com/platinummonkey/recur/pkg/middleware"
)

// maxBodyBytes bounds webhook and admin request bodies
const maxBodyBytes = 1 << 20

// BillingService is the part of billing.Service the API exposes
type BillingService interface {
	GetSubscription(ctx context.Context, id int64) (*billing.Subscription, error)
	ListInvoices(ctx context.Context, subscriptionID int64) ([]*billing.Invoice, error)
	ListEvents(ctx context.Context, subscriptionID int64) ([]*billing.SubscriptionEvent, error)
	ChangeUserCount(ctx context.Context, subscriptionID int64, count int, by billing.TriggeredBy) (*billing.UserCountChange, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) (*billing.WebhookEvent, error)
}

// JobRunner runs billing jobs on demand
type JobRunner interface {
	Run(ctx context.Context, job billing.Job) ([]*billing.RunReport, error)
}

// EventArchiver archives a day of subscription events
type EventArchiver interface {
	Archive(ctx context.Context, day time.Time) (*eventlog.Result, error)
}

// WebhookMetrics records webhook deliveries
type WebhookMetrics interface {
	WebhookReceived(eventType string, status int)
}

// Options configures a Server. Billing and Jobs are required.
type Options struct {
	Billing  BillingService
	Jobs     JobRunner
	Archiver EventArchiver
	Metrics  WebhookMetrics
	Clock    clockwork.Clock
	Logger   logrus.FieldLogger

	// AdminToken guards every route except the webhook
	AdminToken string

	// WebhookLimiter limits webhook deliveries per client IP when set
	WebhookLimiter middleware.Limiter

	ReplaySize int
	ReplayTTL  time.Duration

	// Middleware wraps the router, outermost first
	Middleware []httputil.Middleware
}

// Server serves the gateway webhook and the admin API
type Server struct {
	router   *mux.Router
	billing  BillingService
	jobs     JobRunner
	archiver EventArchiver
	metrics  WebhookMetrics
	clock    clockwork.Clock
	logger   logrus.FieldLogger
	replay   *lru.LRU[string, struct{}]
	handler  http.Handler
}

// NewServer creates a new API server with all routes registered
func NewServer(opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.ReplaySize <= 0 {
		opts.ReplaySize = 10000
	}
	if opts.ReplayTTL <= 0 {
		opts.ReplayTTL = 24 * time.Hour
	}

	s := &Server{
		router:   mux.NewRouter(),
		billing:  opts.Billing,
		jobs:     opts.Jobs,
		archiver: opts.Archiver,
		metrics:  opts.Metrics,
		clock:    opts.Clock,
		logger:   opts.Logger.WithField("component", "api"),
		replay:   lru.NewLRU[string, struct{}](opts.ReplaySize, nil, opts.ReplayTTL),
	}
	s.setupRoutes(opts)

	chain := append([]httputil.Middleware{
		httputil.RequestIDMiddleware(s.logger),
		httputil.LoggingMiddleware,
		httputil.RecoveryMiddleware,
		httputil.MaxBytesMiddleware(maxBodyBytes),
	}, opts.Middleware...)
	s.handler = otelhttp.NewHandler(httputil.Chain(chain...)(s.router), "recur-api")

	return s
}

func (s *Server) setupRoutes(opts Options) {
	webhook := s.router.PathPrefix("/billing").Subrouter()
	if opts.WebhookLimiter != nil {
		webhook.Use(middleware.RateLimit(opts.WebhookLimiter, s.logger))
	}
	webhook.HandleFunc("/webhook", s.handleWebhook).Methods(http.MethodPost)

	admin := s.router.NewRoute().Subrouter()
	admin.Use(middleware.AdminAuth(opts.AdminToken))
	admin.HandleFunc("/subscriptions/{id}", s.getSubscription).Methods(http.MethodGet)
	admin.HandleFunc("/subscriptions/{id}/invoices", s.listInvoices).Methods(http.MethodGet)
	admin.HandleFunc("/subscriptions/{id}/events", s.listEvents).Methods(http.MethodGet)
	admin.HandleFunc("/subscriptions/{id}/users", s.changeUserCount).Methods(http.MethodPut)
	admin.HandleFunc("/jobs/{job}", s.runJob).Methods(http.MethodPost)
}

// Router returns the route table, used by the metrics middleware to
// resolve path templates
func (s *Server) Router() *mux.Router {
	return s.router
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
