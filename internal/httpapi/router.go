// Package httpapi serves the read-only operator API and the inbound IFTTT
// webhook (spec §6). It consumes the engine's persisted state through the
// storage interfaces and never mutates asset state except via the webhook's
// ingest-event write.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/briandastous/bdx/pkg/metrics"
	"github.com/briandastous/bdx/pkg/model"
	"github.com/briandastous/bdx/pkg/storage"
	"github.com/briandastous/bdx/pkg/upstream"
)

// Server hosts the HTTP API.
type Server struct {
	store        storage.Store
	client       upstream.Client
	log          *logrus.Entry
	webhookToken string
	selfUserID   model.UserID
}

// New constructs a Server. client may be nil when the webhook endpoint is
// not exposed (e.g. read-only deployments).
func New(store storage.Store, client upstream.Client, log *logrus.Entry, webhookToken string, selfUserID model.UserID) *Server {
	return &Server{
		store:        store,
		client:       client,
		log:          log.WithField("component", "httpapi"),
		webhookToken: webhookToken,
		selfUserID:   selfUserID,
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/ingest/followers/{id}", s.handleIngestRun(model.IngestKindUserFollowers))
		r.Get("/ingest/followings/{id}", s.handleIngestRun(model.IngestKindUserFollowing))
		r.Get("/ingest/posts/{id}", s.handleIngestRun(model.IngestKindUsersPosts))
		r.Get("/materializations/{id}", s.handleMaterialization)
		r.Get("/roots", s.handleRoots)
		r.Post("/webhooks/ifttt/new-follow", s.handleWebhookNewFollow)
	})

	return metrics.InstrumentHandler(r)
}

// requestID stamps each request with a UUID, echoed in the X-Request-Id
// response header and carried in log fields.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := contextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
			"request_id": requestIDFromContext(r.Context()),
		}).Info("request")
	})
}
