package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/cogtoolslab/cab-experiments/backend/internal/handler/realtime"
	"github.com/cogtoolslab/cab-experiments/backend/internal/handler/static"
	storehandler "github.com/cogtoolslab/cab-experiments/backend/internal/handler/store"
	"github.com/cogtoolslab/cab-experiments/backend/internal/metrics"
	middlewarePkg "github.com/cogtoolslab/cab-experiments/backend/internal/middleware"
	"github.com/cogtoolslab/cab-experiments/backend/internal/model/record"
	"github.com/cogtoolslab/cab-experiments/backend/pkg/utils"
)

// GatewayDeps collects what the public router needs. PrivateDirs are never
// served, even when they sit under AppRoot.
type GatewayDeps struct {
	Sessions    realtime.SessionService
	AppRoot     string
	Denylist    []string
	PrivateDirs []string
	MaxPayload  int64
	Registry    *prometheus.Registry
	Metrics     *metrics.Gateway
	Logger      *zap.Logger
}

// NewGatewayRouter wires the realtime channel, metrics and static assets.
func NewGatewayRouter(deps GatewayDeps) http.Handler {
	if deps.Denylist == nil {
		deps.Denylist = static.DefaultDenylist
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger(deps.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", handleHealth)
	if deps.Registry != nil {
		r.Handle("/metrics", metrics.Handler(deps.Registry))
	}

	realtime.NewWebSocketHandler(deps.Sessions, deps.Logger.Named("socket"), deps.Metrics, deps.MaxPayload).RegisterRoutes(r)

	// Everything else is an experiment asset.
	r.Handle("/*", static.New(deps.AppRoot, deps.Denylist, deps.Logger.Named("static"), deps.PrivateDirs...))

	return r
}

// StoreDeps collects what the store router needs.
type StoreDeps struct {
	Store        record.Store
	MaxBodyBytes int64
	Registry     *prometheus.Registry
	Metrics      *metrics.Store
	Logger       *zap.Logger
}

// NewStoreRouter wires the store's local HTTP API.
func NewStoreRouter(deps StoreDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middlewarePkg.RequestLogger(deps.Logger))
	r.Use(middleware.Recoverer)

	if deps.Registry != nil {
		r.Handle("/metrics", metrics.Handler(deps.Registry))
	}
	storehandler.New(deps.Store, deps.Logger, deps.Metrics, deps.MaxBodyBytes).RegisterRoutes(r)

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
