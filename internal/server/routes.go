package server

import (
	"net/http"
	"time"

	"github.com/incredibeau/specific-affinity/pkg/health"
	"github.com/incredibeau/specific-affinity/pkg/metrics"
	"github.com/incredibeau/specific-affinity/pkg/middleware"
)

// Routes builds the API mux with the standard middleware chain applied.
// eventStats may be nil when the aggregator is not running.
func Routes(h *Handler, checker *health.Checker, m *metrics.Metrics,
	eventStats http.HandlerFunc, requestTimeout time.Duration) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/datasets", h.CreateDataset)
	mux.HandleFunc("GET /api/v1/datasets", h.ListDatasets)
	mux.HandleFunc("DELETE /api/v1/datasets/{dataset}", h.DeleteDataset)

	mux.HandleFunc("POST /api/v1/datasets/{dataset}/records", h.UpsertRecords)
	mux.HandleFunc("POST /api/v1/datasets/{dataset}/build", h.Build)
	mux.HandleFunc("POST /api/v1/datasets/{dataset}/infer", h.Infer)
	mux.HandleFunc("POST /api/v1/datasets/{dataset}/reconcile", h.Reconcile)
	mux.HandleFunc("POST /api/v1/datasets/{dataset}/match", h.Match)

	mux.HandleFunc("GET /api/v1/datasets/{dataset}/clusters", h.Clusters)
	mux.HandleFunc("GET /api/v1/datasets/{dataset}/summary", h.Summary)
	mux.HandleFunc("GET /api/v1/datasets/{dataset}/categories", h.Categories)
	mux.HandleFunc("GET /api/v1/datasets/{dataset}/qa", h.QA)

	mux.HandleFunc("GET /api/v1/cache/stats", h.CacheStats)
	if eventStats != nil {
		mux.HandleFunc("GET /api/v1/events/stats", eventStats)
	}

	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var handler http.Handler = mux
	handler = middleware.Timeout(requestTimeout)(handler)
	if m != nil {
		handler = middleware.Metrics(m)(handler)
	}
	handler = middleware.RequestID(handler)
	return handler
}
