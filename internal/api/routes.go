package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	// Health check
	r.Get("/health", s.HandleHealth)

	// Auth routes (public)
	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.HandleLogin)
		r.Post("/refresh", s.HandleRefresh)
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		// Pairing sessions
		r.Route("/pairing", func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Post("/", s.HandleStartPairing)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.HandleGetPairing)
				r.Get("/qr", s.HandlePairingQR)
				r.Get("/devices", s.HandlePairingDevices)
				r.Post("/confirm", s.HandleConfirmPairing)
				r.Post("/retry-directory", s.HandleRetryDirectory)
				r.Delete("/", s.HandleCancelPairing)
			})
		})

		// Account links
		r.Route("/links", func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Get("/", s.HandleListLinks)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.HandleGetLink)
				r.Delete("/", s.HandleUnlink)
				r.Get("/devices", s.HandleListLinkDevices)
			})
		})

		// Devices
		r.Route("/devices", func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Route("/{device_id}", func(r chi.Router) {
				r.Get("/", s.HandleGetDevice)
				r.Delete("/", s.HandleDeleteDevice)
				r.Post("/connect", s.HandleConnectDevice)
			})
		})
	})
}
