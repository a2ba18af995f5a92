package http

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gramcrm/server/internal/auth"
	"github.com/gramcrm/server/internal/http/handlers"
	"github.com/gramcrm/server/internal/middleware"
	"github.com/gramcrm/server/internal/repo"
)

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(
	operatorHandler *handlers.OperatorHandler,
	accountHandler *handlers.AccountHandler,
	messageHandler *handlers.MessageHandler,
	statusHandler *handlers.StatusHandler,
	jwtService *auth.JWTService,
	operators repo.OperatorRepo,
) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	healthHandler := handlers.NewHealthHandler()
	r.Get("/health", healthHandler.ServeHTTP)

	r.Post("/auth/login", operatorHandler.HandleLogin)

	// Protected routes (require valid JWT)
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(jwtService, operators))

		r.Get("/me", operatorHandler.HandleMe)
		r.Get("/status", statusHandler.HandleStatus)

		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", accountHandler.HandleCreate)
			r.Get("/", accountHandler.HandleList)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", accountHandler.HandleGet)

				r.Post("/start", accountHandler.HandleStart)
				r.Post("/stop", accountHandler.HandleStop)
				r.Post("/restart", accountHandler.HandleRestart)
				r.Post("/catchup", accountHandler.HandleCatchUp)

				r.Post("/login", accountHandler.HandleBeginLogin)
				r.Post("/verify_code", accountHandler.HandleSubmitCode)
				r.Post("/resend_code", accountHandler.HandleResendCode)
				r.Post("/qr", accountHandler.HandleBeginQR)
				r.Post("/qr/poll", accountHandler.HandlePollQR)
				r.Post("/logout", accountHandler.HandleLogout)
			})
		})

		r.Post("/chats/{id}/messages", messageHandler.HandleSend)
	})

	return r
}
