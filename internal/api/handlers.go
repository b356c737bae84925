package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pathlens/caseserver/internal/content"
	"github.com/pathlens/caseserver/internal/core"
	"github.com/pathlens/caseserver/internal/store"
)

type APIHandler struct {
	dbStore      *store.SQLiteStore
	contentMgr   *content.Manager
	queryService *core.QueryService
}

func NewAPIHandler(db *store.SQLiteStore, cm *content.Manager, qs *core.QueryService) *APIHandler {
	return &APIHandler{dbStore: db, contentMgr: cm, queryService: qs}
}

type CaptureImageRequest struct {
	Image  string `json:"image"`
	CaseID string `json:"case_id"`
	UserID string `json:"user_id"`
}

func (h *APIHandler) CaptureImageHandler(w http.ResponseWriter, r *http.Request) {
	var req CaptureImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Image == "" || req.CaseID == "" || req.UserID == "" {
		http.Error(w, "image, case_id and user_id are required", http.StatusBadRequest)
		return
	}

	if err := h.dbStore.EnsureCase(r.Context(), req.CaseID, req.UserID); err != nil {
		log.Printf("Error ensuring case %s: %v", req.CaseID, err)
		http.Error(w, "Failed to prepare case", http.StatusInternalServerError)
		return
	}

	img, err := h.contentMgr.CaptureImage(r.Context(), req.CaseID, req.UserID, req.Image)
	if err != nil {
		log.Printf("Error capturing image for case %s: %v", req.CaseID, err)
		http.Error(w, "Failed to capture image", http.StatusInternalServerError)
		return
	}
	log.Printf("Image saved to %s", img.RelPath)
	json.NewEncoder(w).Encode(map[string]string{"status": "success", "image_path": img.RelPath})
}

type GetImagesRequest struct {
	CaseID string `json:"case_id"`
	UserID string `json:"user_id,omitempty"`
}

func (h *APIHandler) GetImagesHandler(w http.ResponseWriter, r *http.Request) {
	var req GetImagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	images, err := h.contentMgr.ListImages(r.Context(), req.CaseID, req.UserID)
	if err != nil {
		log.Printf("Error listing images for case %s: %v", req.CaseID, err)
		http.Error(w, "Failed to list images", http.StatusInternalServerError)
		return
	}
	writeImageList(w, images)
}

type DeleteImagesRequest struct {
	CaseID    string   `json:"case_id"`
	Filenames []string `json:"filenames"`
}

func (h *APIHandler) DeleteImagesHandler(w http.ResponseWriter, r *http.Request) {
	var req DeleteImagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	images, err := h.contentMgr.DeleteImages(r.Context(), req.CaseID, req.Filenames)
	if err != nil {
		log.Printf("Error deleting images for case %s: %v", req.CaseID, err)
		http.Error(w, "Failed to delete images", http.StatusInternalServerError)
		return
	}
	writeImageList(w, images)
}

func writeImageList(w http.ResponseWriter, images []store.Image) {
	list := make([]map[string]string, 0, len(images))
	for _, img := range images {
		list = append(list, map[string]string{"filename": img.Filename, "url": img.RelPath})
	}
	json.NewEncoder(w).Encode(map[string]any{"images": list, "count": len(list)})
}

type ListCasesRequest struct {
	UserID string `json:"user_id,omitempty"`
}

func (h *APIHandler) ListCasesHandler(w http.ResponseWriter, r *http.Request) {
	var req ListCasesRequest
	if r.Body != http.NoBody {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	cases, err := h.dbStore.ListCases(r.Context(), req.UserID)
	if err != nil {
		log.Printf("Error listing cases: %v", err)
		http.Error(w, "Failed to list cases", http.StatusInternalServerError)
		return
	}
	if cases == nil {
		cases = []string{}
	}
	json.NewEncoder(w).Encode(map[string]any{"cases": cases})
}

func (h *APIHandler) CreateCaseHandler(w http.ResponseWriter, r *http.Request) {
	caseID, err := h.dbStore.NextCaseID(r.Context())
	if err != nil {
		log.Printf("Error creating case id: %v", err)
		http.Error(w, "Failed to create case", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"case_id": caseID})
}

func (h *APIHandler) LatestCaseHandler(w http.ResponseWriter, r *http.Request) {
	caseID, err := h.dbStore.LatestCase(r.Context())
	if err != nil {
		log.Printf("Error fetching latest case: %v", err)
		http.Error(w, "Failed to fetch latest case", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"case_id": caseID})
}

type QueryLLMRequest struct {
	UserID              string   `json:"user_id"`
	CaseID              string   `json:"case_id"`
	ImageIDs            []string `json:"image_ids"`
	Prompt              string   `json:"prompt"`
	MaxTokens           int32    `json:"max_tokens"`
	IncludeClinicalData bool     `json:"include_clinical_data"`
	IncludeHistory      bool     `json:"include_history"`
	IncludeUser         bool     `json:"include_user"`
}

func (h *APIHandler) QueryLLMHandler(w http.ResponseWriter, r *http.Request) {
	var req QueryLLMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.CaseID == "" {
		http.Error(w, "user_id and case_id are required", http.StatusBadRequest)
		return
	}

	result, err := h.queryService.SubmitQuery(r.Context(), core.QueryRequest{
		UserID:              req.UserID,
		CaseID:              req.CaseID,
		Prompt:              req.Prompt,
		ImageIDs:            req.ImageIDs,
		IncludeClinicalData: req.IncludeClinicalData,
		IncludeHistory:      req.IncludeHistory,
		FilterHistoryByUser: req.IncludeUser,
		MaxTokens:           req.MaxTokens,
	})
	if err != nil {
		switch {
		case errors.Is(err, core.ErrInvalidRequest):
			http.Error(w, "Prompt or image_ids are required", http.StatusBadRequest)
		case errors.Is(err, core.ErrNoValidContent):
			// Degrades to an informative result rather than a fault.
			json.NewEncoder(w).Encode(map[string]string{"response": "No valid images found."})
		default:
			log.Printf("Error processing query for user %s: %v", req.UserID, err)
			http.Error(w, "Failed to process query", http.StatusInternalServerError)
		}
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"response": result.Response})
}

type CancelLLMRequest struct {
	UserID string `json:"user_id"`
	CaseID string `json:"case_id,omitempty"`
}

func (h *APIHandler) CancelLLMHandler(w http.ResponseWriter, r *http.Request) {
	var req CancelLLMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	status := h.queryService.CancelQuery(req.UserID)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}

type GetHistoryRequest struct {
	CaseID string `json:"case_id"`
	UserID string `json:"user_id,omitempty"`
}

func (h *APIHandler) GetHistoryHandler(w http.ResponseWriter, r *http.Request) {
	var req GetHistoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	turns, err := h.dbStore.LoadHistory(r.Context(), req.CaseID, req.UserID)
	if err != nil {
		log.Printf("Error loading history for case %s: %v", req.CaseID, err)
		http.Error(w, "Failed to load history", http.StatusInternalServerError)
		return
	}
	if turns == nil {
		turns = []store.HistoryTurn{}
	}
	json.NewEncoder(w).Encode(map[string]any{"history": turns})
}

type AppendHistoryRequest struct {
	CaseID     string `json:"case_id"`
	UserID     string `json:"user_id"`
	Prompt     string `json:"prompt"`
	ImageCount int    `json:"image_count"`
	Response   string `json:"response"`
}

func (h *APIHandler) AppendHistoryHandler(w http.ResponseWriter, r *http.Request) {
	var req AppendHistoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.CaseID == "" || req.UserID == "" {
		http.Error(w, "case_id and user_id are required", http.StatusBadRequest)
		return
	}

	if err := h.dbStore.EnsureCase(r.Context(), req.CaseID, req.UserID); err != nil {
		log.Printf("Error ensuring case %s: %v", req.CaseID, err)
		http.Error(w, "Failed to prepare case", http.StatusInternalServerError)
		return
	}
	turn := store.HistoryTurn{
		CaseID:     req.CaseID,
		UserID:     req.UserID,
		Prompt:     req.Prompt,
		ImageCount: req.ImageCount,
		Response:   req.Response,
	}
	if err := h.dbStore.AppendHistory(r.Context(), &turn); err != nil {
		log.Printf("Error appending history for case %s: %v", req.CaseID, err)
		http.Error(w, "Failed to append history", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "success", "message": "LLM history entry added."})
}

type ClearHistoryRequest struct {
	CaseID      string   `json:"case_id"`
	UserID      string   `json:"user_id,omitempty"`
	SelectedIDs []string `json:"selected_ids,omitempty"`
	Summary     string   `json:"summary,omitempty"`
}

func (h *APIHandler) ClearHistoryHandler(w http.ResponseWriter, r *http.Request) {
	var req ClearHistoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if len(req.SelectedIDs) == 0 {
		if err := h.dbStore.ClearHistory(r.Context(), req.CaseID, req.UserID); err != nil {
			log.Printf("Error clearing history for case %s: %v", req.CaseID, err)
			http.Error(w, "Failed to clear history", http.StatusInternalServerError)
			return
		}
	} else {
		turns, err := h.dbStore.GetTurnsByID(r.Context(), req.CaseID, req.SelectedIDs)
		if err != nil {
			log.Printf("Error loading selected turns for case %s: %v", req.CaseID, err)
			http.Error(w, "Failed to clear history", http.StatusInternalServerError)
			return
		}
		if _, err := h.dbStore.ReplaceTurns(r.Context(), req.CaseID, req.UserID, turns, req.Summary); err != nil {
			log.Printf("Error replacing selected turns for case %s: %v", req.CaseID, err)
			http.Error(w, "Failed to clear history", http.StatusInternalServerError)
			return
		}
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "cleared"})
}

func (h *APIHandler) GetUserSettingsHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	settings, err := h.dbStore.GetUserSettings(r.Context(), userID)
	if err != nil {
		log.Printf("Error loading settings for user %s: %v", userID, err)
		http.Error(w, "Failed to load user settings", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]json.RawMessage{"settings": settings})
}

func (h *APIHandler) SaveUserSettingsHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var settings json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.dbStore.SaveUserSettings(r.Context(), userID, settings); err != nil {
		log.Printf("Error saving settings for user %s: %v", userID, err)
		http.Error(w, "Failed to save user settings", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "success"})
}

func (h *APIHandler) GetClinicalDataHandler(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseID")

	cd, err := h.dbStore.GetClinicalData(r.Context(), caseID)
	if err != nil {
		log.Printf("Error loading clinical data for case %s: %v", caseID, err)
		http.Error(w, "Failed to load clinical data", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(cd)
}

func (h *APIHandler) SaveClinicalDataHandler(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseID")

	var cd store.ClinicalData
	if err := json.NewDecoder(r.Body).Decode(&cd); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	cd.CaseID = caseID

	if err := h.dbStore.SaveClinicalData(r.Context(), &cd); err != nil {
		log.Printf("Error saving clinical data for case %s: %v", caseID, err)
		http.Error(w, "Failed to save clinical data", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "success"})
}

type SummarizeDocsRequest struct {
	CaseID string   `json:"case_id"`
	Fields []string `json:"fields"`
}

func (h *APIHandler) SummarizeDocsHandler(w http.ResponseWriter, r *http.Request) {
	var req SummarizeDocsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.CaseID == "" || len(req.Fields) == 0 {
		http.Error(w, "case_id and fields are required", http.StatusBadRequest)
		return
	}

	summary, err := h.queryService.SummarizeClinicalDocs(r.Context(), req.CaseID, req.Fields)
	if err != nil {
		if errors.Is(err, core.ErrNoValidContent) {
			json.NewEncoder(w).Encode(map[string]string{"response": "No clinical documents found for this case."})
			return
		}
		log.Printf("Error summarizing clinical docs for case %s: %v", req.CaseID, err)
		http.Error(w, "Failed to summarize clinical documents", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"response": summary})
}
