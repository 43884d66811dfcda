package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

func NewRouter(apiHandler *APIHandler, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger(logger)) // access log through zap
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))

	r.Get("/health", apiHandler.HealthHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/chat", apiHandler.ChatHandler)
		r.Post("/browse", apiHandler.BrowseHandler)

		r.Get("/conversations/{sessionID}", apiHandler.GetConversationHandler)

		r.Post("/notes", apiHandler.CreateNoteHandler)
		r.Get("/notes", apiHandler.ListNotesHandler)
		r.Get("/notes/search", apiHandler.SearchNotesHandler)
		r.Get("/notes/{noteID}", apiHandler.GetNoteHandler)

		r.Post("/context", apiHandler.SaveContextHandler)
		r.Get("/context", apiHandler.ListContextHandler)
	})

	return r
}
