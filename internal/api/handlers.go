package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/nadmax/pipetune/internal/dashboard"
	"github.com/nadmax/pipetune/internal/httputil"
	"github.com/nadmax/pipetune/internal/middleware"
	"github.com/nadmax/pipetune/internal/optimization"
	"github.com/nadmax/pipetune/internal/repository"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Service is the presentation facade the handlers call into.
type Service interface {
	GetDashboard(ctx context.Context, pipelineID string) (dashboard.View, error)
	Refresh(ctx context.Context, pipelineID string) (dashboard.View, error)
	Analyze(ctx context.Context, pipelineID string) (dashboard.Analysis, error)
	GetImpactReport(ctx context.Context, pipelineID string) (dashboard.ImpactView, error)
	Apply(ctx context.Context, id string) (*optimization.Candidate, error)
	Reject(ctx context.Context, id string) (*optimization.Candidate, error)
}

type API struct {
	service Service
	router  *mux.Router
	logger  *zap.Logger
}

func NewAPI(svc Service, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	api := &API{
		service: svc,
		router:  mux.NewRouter(),
		logger:  logger,
	}

	api.setupRoutes()
	return api
}

func (a *API) setupRoutes() {
	a.router.Use(middleware.Logging(a.logger), middleware.MetricsMiddleware)

	a.router.HandleFunc("/healthz", a.healthz).Methods(http.MethodGet)
	a.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	pipelines := a.router.PathPrefix("/api/pipelines/{id}").Subrouter()
	pipelines.HandleFunc("/dashboard", a.getDashboard).Methods(http.MethodGet)
	pipelines.HandleFunc("/refresh", a.refresh).Methods(http.MethodPost)
	pipelines.HandleFunc("/analyze", a.analyze).Methods(http.MethodPost)
	pipelines.HandleFunc("/impact", a.getImpact).Methods(http.MethodGet)

	opts := a.router.PathPrefix("/api/optimizations/{id}").Subrouter()
	opts.HandleFunc("/apply", a.apply).Methods(http.MethodPost)
	opts.HandleFunc("/reject", a.reject).Methods(http.MethodPost)

	a.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	})
	a.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSONError(w, "Not found", http.StatusNotFound)
	})
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

func (a *API) healthz(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (a *API) getDashboard(w http.ResponseWriter, r *http.Request) {
	v, err := a.service.GetDashboard(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, v, http.StatusOK)
}

func (a *API) refresh(w http.ResponseWriter, r *http.Request) {
	v, err := a.service.Refresh(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, v, http.StatusOK)
}

func (a *API) analyze(w http.ResponseWriter, r *http.Request) {
	res, err := a.service.Analyze(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, res, http.StatusOK)
}

func (a *API) getImpact(w http.ResponseWriter, r *http.Request) {
	report, err := a.service.GetImpactReport(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, report, http.StatusOK)
}

func (a *API) apply(w http.ResponseWriter, r *http.Request) {
	c, err := a.service.Apply(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, c, http.StatusOK)
}

func (a *API) reject(w http.ResponseWriter, r *http.Request) {
	c, err := a.service.Reject(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, c, http.StatusOK)
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	httputil.WriteJSONError(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, optimization.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, optimization.ErrInvalidTransition),
		errors.Is(err, optimization.ErrDuplicateProposal),
		errors.Is(err, optimization.ErrIDConflict):
		return http.StatusConflict
	case errors.Is(err, repository.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
