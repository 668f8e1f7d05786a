package api

import (
	"context"
	"net/http"

	"github.com/julienschmidt/httprouter"

	apiContext "github.com/zlwaterfield/radar-sub003/internal/api/context"
	"github.com/zlwaterfield/radar-sub003/internal/api/handlers"
	"github.com/zlwaterfield/radar-sub003/internal/api/middleware"
)

type Dependencies struct {
	WebhookHandler *handlers.WebhookHandler
	AdminHandler   *handlers.AdminHandler
	HealthHandler  *handlers.HealthHandler
	AuthMiddleware *middleware.AuthMiddleware
}

func NewRouter(deps *Dependencies) *httprouter.Router {
	router := httprouter.New()

	authMid := deps.AuthMiddleware

	// Inbound webhook: authenticated by HMAC signature, not bearer token.
	router.POST("/webhooks/github", wrap(deps.WebhookHandler.Receive))

	// Operations endpoints
	router.POST("/webhooks/process-events", chain(deps.AdminHandler.ProcessEvents, authMid.Handle))
	router.GET("/webhooks/stats", chain(deps.AdminHandler.Stats, authMid.Handle))
	router.POST("/webhooks/cleanup", chain(deps.AdminHandler.Cleanup, authMid.Handle))

	// Liveness check
	router.GET("/webhooks/health", wrap(deps.HealthHandler.Check))

	return router
}

// Helper function to chain middlewares
func chain(handler http.HandlerFunc, middlewares ...func(http.HandlerFunc) http.HandlerFunc) httprouter.Handle {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return wrap(handler)
}

// Convert http.HandlerFunc to httprouter.Handle
func wrap(handler http.HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		ctx := context.WithValue(r.Context(), apiContext.Params, ps)
		handler(w, r.WithContext(ctx))
	}
}
