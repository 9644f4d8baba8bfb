package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/trialbridge/portal/pkg/agentapi"
	"github.com/trialbridge/portal/pkg/chat"
	"github.com/trialbridge/portal/pkg/common/config"
	"github.com/trialbridge/portal/pkg/docstore"
	"github.com/trialbridge/portal/pkg/gateway/auth"
	"github.com/trialbridge/portal/pkg/gateway/middleware"
	"github.com/trialbridge/portal/pkg/gateway/respond"
	"github.com/trialbridge/portal/pkg/observability/metrics"
	"github.com/trialbridge/portal/pkg/syncer"
	"github.com/trialbridge/portal/pkg/workflow"
)

// Deps are the clients and services the gateway routes are built from.
type Deps struct {
	Config   config.Config
	Store    docstore.Store
	Agent    *agentapi.Client
	Verifier auth.Verifier
	Workflow *workflow.Service
	Syncer   *syncer.Service
	Chat     *chat.Bridge
	// ReadyChecks are run by GET /ready, keyed by dependency name.
	ReadyChecks map[string]func(context.Context) error
}

func NewRouter(d Deps) *mux.Router {
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond.Message(w, http.StatusNotFound, "not found")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond.Message(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	router.Use(middleware.Logging)
	router.Use(middleware.Recovery)
	router.Use(middleware.CORS)
	router.Use(middleware.RateLimit(d.Config.GatewayRateLimitRPS, d.Config.GatewayRateLimitBurst))
	router.Use(middleware.BodyLimit(d.Config.MaxRequestBody))
	router.Use(middleware.Metrics)

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}).Methods(http.MethodGet).Name("health")
	router.HandleFunc("/ready", readyHandler(d.ReadyChecks)).Methods(http.MethodGet).Name("ready")
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet).Name("metrics")

	functions := router.PathPrefix("/functions").Subrouter()

	// Server-held credentials only.
	NewDatabaseHandler(d.Store).Register(functions)
	NewChatHandler(d.Chat).Register(functions)
	protocols := NewProtocolHandler(d.Agent)
	protocols.RegisterPublic(functions)

	secured := functions.NewRoute().Subrouter()
	secured.Use(middleware.Authenticate(d.Verifier))
	NewPatientHandler(d.Agent).Register(secured)
	NewTrialHandler(d.Agent).Register(secured)
	protocols.Register(secured)
	NewMetricsHandler(d.Agent, d.Store, d.Config.Collections.Metrics).Register(secured)
	NewWorkflowHandler(d.Workflow).Register(secured)
	NewSyncHandler(d.Syncer).Register(secured)

	return router
}

func readyHandler(checks map[string]func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				results[name] = "unavailable"
				continue
			}
			results[name] = "ok"
		}

		state := "ready"
		if status != http.StatusOK {
			state = "not_ready"
		}
		respondJSON(w, status, map[string]interface{}{"status": state, "checks": results})
	}
}
