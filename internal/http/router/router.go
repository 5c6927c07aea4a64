// Package router wires the chi mux: guest routes, admin routes, health
// and metrics.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dropDatabas3/hapass/internal/http/handlers"
	"github.com/dropDatabas3/hapass/internal/http/middlewares"
)

// Deps carries everything the routes need. Built once in main.
type Deps struct {
	Guest *handlers.Guest
	Admin *handlers.Admin

	CORSAllowedOrigins []string

	DBPing    func() error
	WSHealthy func() bool
}

func New(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middlewares.WithRequestID)
	r.Use(middlewares.WithLogging)
	r.Use(middlewares.WithSecurityHeaders)
	r.Use(middlewares.WithCORS(d.CORSAllowedOrigins))

	health := handlers.HealthCheck(d.DBPing, d.WSHealthy)
	r.Get("/health", health)
	r.Get("/healthz", health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Guest surface. The slug in the path is the credential.
	r.Route("/g/{slug}", func(r chi.Router) {
		r.Get("/state", d.Guest.State)
		r.Get("/stream", d.Guest.Stream)
		r.Post("/command", d.Guest.Command)
	})

	// Admin surface. Login is open (rate limited), everything else sits
	// behind the session cookie.
	r.Route("/admin", func(r chi.Router) {
		r.Post("/login", d.Admin.Login)
		r.Post("/logout", d.Admin.Logout)

		r.Group(func(r chi.Router) {
			r.Use(d.Admin.RequireSession)

			r.Get("/ha/entities", d.Admin.ListEntities)

			r.Route("/tokens", func(r chi.Router) {
				r.Post("/", d.Admin.CreateToken)
				r.Get("/", d.Admin.ListTokens)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", d.Admin.GetToken)
					r.Patch("/entities", d.Admin.UpdateEntities)
					r.Patch("/expiry", d.Admin.UpdateExpiry)
					r.Delete("/", d.Admin.RevokeToken)
					r.Delete("/hard", d.Admin.DeleteToken)
				})
			})
		})
	})

	return r
}
