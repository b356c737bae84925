package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter wires the API routes and the static image file server rooted at
// imagesDir.
func NewRouter(apiHandler *APIHandler, imagesDir string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)       // Basic request logging
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	// Captured images are served statically, as the capture clients expect.
	r.Handle("/images/*", http.StripPrefix("/images/", http.FileServer(http.Dir(imagesDir))))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		})

		// Image capture and management
		r.Post("/capture-image", apiHandler.CaptureImageHandler)
		r.Post("/get-images", apiHandler.GetImagesHandler)
		r.Post("/delete-images", apiHandler.DeleteImagesHandler)

		// Case management
		r.Post("/list-cases", apiHandler.ListCasesHandler)
		r.Post("/create-new-case", apiHandler.CreateCaseHandler)
		r.Post("/get-latest-case", apiHandler.LatestCaseHandler)

		// LLM queries
		r.Post("/query-llm", apiHandler.QueryLLMHandler)
		r.Post("/cancel-llm-query", apiHandler.CancelLLMHandler)
		r.Post("/summarize-docs", apiHandler.SummarizeDocsHandler)

		// Query history
		r.Post("/llm-history", apiHandler.GetHistoryHandler)
		r.Post("/append-llm-history", apiHandler.AppendHistoryHandler)
		r.Post("/clear-llm-history", apiHandler.ClearHistoryHandler)

		// User settings
		r.Get("/user-settings/{userID}", apiHandler.GetUserSettingsHandler)
		r.Post("/user-settings/{userID}", apiHandler.SaveUserSettingsHandler)

		// Clinical data
		r.Get("/clinical-data/{caseID}", apiHandler.GetClinicalDataHandler)
		r.Post("/clinical-data/{caseID}", apiHandler.SaveClinicalDataHandler)
	})

	return r
}
