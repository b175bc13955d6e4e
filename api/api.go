// Package api exposes the certificate manager over HTTP. Handlers decode
// requests, call the manager and render results or errors into the JSON
// envelope; they hold no certificate logic of their own.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/certmanager/manager"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	mgr    *manager.Manager
	scrub  atomic.Bool
	logger *slog.Logger
	audit  *auditLogger

	alertFn     AlertFunc
	webhookURL  string
	webhookAuth string
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the logger for request failures and audit entries.
// Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithScrubSensitiveData sets the initial scrubbing toggle. Default: true.
func WithScrubSensitiveData(scrub bool) Option {
	return func(a *API) {
		a.scrub.Store(scrub)
	}
}

// WithAlertFunc installs a callback for anomalous export or deletion rates.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithAuditWebhook forwards audit events to url. authHeader, if set, has
// the form "Header: Value".
func WithAuditWebhook(url, authHeader string) Option {
	return func(a *API) {
		a.webhookURL = url
		a.webhookAuth = authHeader
	}
}

// New creates a new API instance.
func New(mgr *manager.Manager, opts ...Option) *API {
	a := &API{mgr: mgr, logger: slog.Default()}
	a.scrub.Store(true)
	for _, opt := range opts {
		opt(a)
	}
	a.audit = newAuditLogger(a.logger)
	if a.alertFn != nil {
		a.audit.metrics = newMetricsCollector(a.alertFn)
	}
	if a.webhookURL != "" {
		a.audit.webhook = newAuditWebhook(a.webhookURL, a.webhookAuth, a.logger)
	}
	return a
}

// Close flushes pending audit webhook deliveries.
func (a *API) Close() {
	if a.audit != nil && a.audit.webhook != nil {
		a.audit.webhook.close()
	}
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})
	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))
	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Group(func(r chi.Router) {
		r.Use(RequestID, SecurityHeaders, limitBody)

		r.Route("/system/certificate", func(r chi.Router) {
			r.Get("/", a.ListCertificates)
			r.Post("/", a.CreateCertificate)
			r.Put("/", a.UpdateCertificate)
			r.Delete("/", a.DeleteCertificate)
			r.Post("/sign", a.SignCertificate)
			r.Post("/export", a.ExportCertificate)
			r.Post("/inuse", a.MarkInUse)
			r.Delete("/inuse", a.ReleaseInUse)
		})
		r.Route("/system/ca", func(r chi.Router) {
			r.Get("/", a.ListCAs)
			r.Post("/", a.CreateCA)
			r.Put("/", a.UpdateCA)
			r.Delete("/", a.DeleteCA)
		})
		r.Get("/system/api", a.GetSettings)
		r.Put("/system/api", a.UpdateSettings)
	})

	return r
}

func (a *API) readOptions() manager.ReadOptions {
	return manager.ReadOptions{DisableScrubbing: !a.scrub.Load()}
}
