package rest

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/zlnvch/cosketch/models"
	"github.com/zlnvch/cosketch/service"
)

type Handler struct {
	Service *service.Service
	// DevMode exposes the token grant endpoint
	DevMode bool
}

func NewHandler(svc *service.Service, devMode bool) *Handler {
	return &Handler{Service: svc, DevMode: devMode}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("POST /sessions", h.authenticated(h.HandleCreateSession))
	mux.Handle("GET /sessions/{id}", h.authenticated(h.HandleGetSession))
	mux.Handle("PUT /sessions/{id}/paint-layer", h.authenticated(h.HandleSetPaintLayer))
	mux.Handle("POST /sessions/{id}/reset", h.authenticated(h.HandleResetSession))

	mux.Handle("POST /sessions/{id}/strokes", h.authenticated(h.HandleAppendStroke))
	mux.Handle("GET /sessions/{id}/strokes", h.authenticated(h.HandleGetStrokes))

	mux.Handle("PUT /sessions/{id}/viewers/{viewerId}", h.authenticated(h.HandlePutViewer))
	mux.Handle("GET /sessions/{id}/viewers/{viewerId}", h.authenticated(h.HandleGetViewer))
	mux.Handle("DELETE /sessions/{id}/viewers/{viewerId}", h.authenticated(h.HandleDeleteViewer))

	mux.Handle("GET /sessions/{id}/live", h.authenticated(h.HandleGetLiveStrokes))

	mux.Handle("GET /sessions/{id}/layers", h.authenticated(h.HandleGetLayers))
	mux.Handle("POST /sessions/{id}/layers/uploads", h.authenticated(h.HandleAddUploadedLayer))
	mux.Handle("PUT /sessions/{id}/layers/order", h.authenticated(h.HandleReorderLayer))
	mux.Handle("POST /sessions/{id}/layers/normalize", h.authenticated(h.HandleNormalize))

	mux.Handle("POST /sessions/{id}/generations", h.authenticated(h.HandleSubmitGeneration))
	mux.Handle("GET /sessions/{id}/generations", h.authenticated(h.HandleListJobs))
	mux.Handle("GET /sessions/{id}/generations/{jobId}", h.authenticated(h.HandleGetJob))

	mux.Handle("GET /tokens", h.authenticated(h.HandleGetTokens))
	if h.DevMode {
		mux.Handle("POST /tokens/grant", h.authenticated(h.HandleGrantTokens))
	}
}

// authenticated attaches the bearer token's identity to the request context.
// Requests without a token continue anonymously; a bad token is rejected.
func (h *Handler) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := h.getTokenFromAuthHeader(r)
		if token == "" {
			next(w, r)
			return
		}

		identity, err := h.Service.AuthenticateToken(token)
		if err != nil {
			h.sendError(w, err)
			return
		}
		next(w, r.WithContext(service.WithIdentity(r.Context(), identity)))
	})
}

type createSessionRequest struct {
	Width    int  `json:"width"`
	Height   int  `json:"height"`
	IsPublic bool `json:"isPublic"`
}

func (h *Handler) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !h.decode(w, r, &req) {
		return
	}

	session, err := h.Service.CreateSession(r.Context(), service.CreateSessionParams{
		Width:    req.Width,
		Height:   req.Height,
		IsPublic: req.IsPublic,
	})
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendStatus(w, http.StatusCreated, session)
}

func (h *Handler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.Service.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendResponse(w, session)
}

type paintLayerRequest struct {
	Visible bool `json:"visible"`
}

func (h *Handler) HandleSetPaintLayer(w http.ResponseWriter, r *http.Request) {
	var req paintLayerRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.Service.SetPaintLayerVisible(r.Context(), r.PathValue("id"), req.Visible); err != nil {
		h.sendError(w, err)
		return
	}
	h.sendResponse(w, successResponse{Success: true})
}

func (h *Handler) HandleResetSession(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.ResetSession(r.Context(), r.PathValue("id")); err != nil {
		h.sendError(w, err)
		return
	}
	h.sendResponse(w, successResponse{Success: true})
}

type appendStrokeRequest struct {
	ClientId string             `json:"clientId"`
	LayerId  string             `json:"layerId"`
	Points   []models.Point     `json:"points"`
	Style    models.StrokeStyle `json:"style"`
}

type appendStrokeResponse struct {
	Order int64 `json:"order"`
}

func (h *Handler) HandleAppendStroke(w http.ResponseWriter, r *http.Request) {
	var req appendStrokeRequest
	if !h.decode(w, r, &req) {
		return
	}

	order, err := h.Service.AppendStroke(r.Context(), service.AppendStrokeParams{
		SessionId: r.PathValue("id"),
		ClientId:  req.ClientId,
		LayerId:   req.LayerId,
		Points:    req.Points,
		Style:     req.Style,
	})
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendResponse(w, appendStrokeResponse{Order: order})
}

func (h *Handler) HandleGetStrokes(w http.ResponseWriter, r *http.Request) {
	after := int64(-1)
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.sendError(w, service.ErrInvalidInput)
			return
		}
		after = parsed
	}

	strokes, err := h.Service.GetStrokesSince(r.Context(), r.PathValue("id"), after)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendResponse(w, strokes)
}

type viewerRequest struct {
	LastAckedStrokeOrder int64 `json:"lastAckedStrokeOrder"`
}

func (h *Handler) HandlePutViewer(w http.ResponseWriter, r *http.Request) {
	var req viewerRequest
	if !h.decode(w, r, &req) {
		return
	}

	err := h.Service.UpsertViewerState(r.Context(), r.PathValue("id"), r.PathValue("viewerId"), req.LastAckedStrokeOrder)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendResponse(w, successResponse{Success: true})
}

func (h *Handler) HandleGetViewer(w http.ResponseWriter, r *http.Request) {
	state, err := h.Service.GetViewerState(r.Context(), r.PathValue("id"), r.PathValue("viewerId"))
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendResponse(w, state)
}

func (h *Handler) HandleDeleteViewer(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.RemoveViewerState(r.Context(), r.PathValue("id"), r.PathValue("viewerId")); err != nil {
		h.sendError(w, err)
		return
	}
	h.sendResponse(w, successResponse{Success: true})
}

func (h *Handler) HandleGetLiveStrokes(w http.ResponseWriter, r *http.Request) {
	live, err := h.Service.GetLiveStrokes(r.Context(), r.PathValue("id"))
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendResponse(w, live)
}

type layersResponse struct {
	Layers []models.Layer      `json:"layers"`
	Images []models.ImageLayer `json:"images"`
}

func (h *Handler) HandleGetLayers(w http.ResponseWriter, r *http.Request) {
	sessionId := r.PathValue("id")
	layers, err := h.Service.GetLayers(r.Context(), sessionId)
	if err != nil {
		h.sendError(w, err)
		return
	}
	images, err := h.Service.GetImageLayers(r.Context(), sessionId)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendResponse(w, layersResponse{Layers: layers, Images: images})
}

type uploadLayerRequest struct {
	ImageURL string  `json:"imageUrl"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
}

func (h *Handler) HandleAddUploadedLayer(w http.ResponseWriter, r *http.Request) {
	var req uploadLayerRequest
	if !h.decode(w, r, &req) {
		return
	}

	layer, err := h.Service.AddUploadedLayer(r.Context(), service.AddUploadedLayerParams{
		SessionId: r.PathValue("id"),
		ImageURL:  req.ImageURL,
		X:         req.X,
		Y:         req.Y,
		Width:     req.Width,
		Height:    req.Height,
	})
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendStatus(w, http.StatusCreated, layer)
}

type reorderRequest struct {
	Layer       models.LayerRef `json:"layer"`
	TargetIndex int             `json:"targetIndex"`
}

func (h *Handler) HandleReorderLayer(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if !h.decode(w, r, &req) {
		return
	}

	layers, err := h.Service.ReorderLayer(r.Context(), r.PathValue("id"), req.Layer, req.TargetIndex)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendResponse(w, layers)
}

type normalizeResponse struct {
	Writes int `json:"writes"`
}

func (h *Handler) HandleNormalize(w http.ResponseWriter, r *http.Request) {
	writes, err := h.Service.NormalizeSession(r.Context(), r.PathValue("id"))
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendResponse(w, normalizeResponse{Writes: writes})
}

type generationRequest struct {
	Prompt   string          `json:"prompt"`
	Provider string          `json:"provider"`
	Input    json.RawMessage `json:"input,omitempty"`
	X        float64         `json:"x"`
	Y        float64         `json:"y"`
	Width    float64         `json:"width"`
	Height   float64         `json:"height"`
}

type generationResponse struct {
	Job   models.GenerationJob `json:"job"`
	Error *errorBody           `json:"error,omitempty"`
}

// HandleSubmitGeneration blocks until the job is terminal. A job that fails
// after it was created is returned alongside the error.
func (h *Handler) HandleSubmitGeneration(w http.ResponseWriter, r *http.Request) {
	var req generationRequest
	if !h.decode(w, r, &req) {
		return
	}

	job, err := h.Service.SubmitGeneration(r.Context(), service.SubmitGenerationParams{
		SessionId:    r.PathValue("id"),
		Prompt:       req.Prompt,
		ProviderKind: req.Provider,
		Input:        req.Input,
		X:            req.X,
		Y:            req.Y,
		Width:        req.Width,
		Height:       req.Height,
	})
	if err != nil && job.Id == "" {
		h.sendError(w, err)
		return
	}

	resp := generationResponse{Job: job}
	if err != nil {
		resp.Error = newErrorBody(err)
		h.sendStatus(w, statusFor(err), resp)
		return
	}
	h.sendResponse(w, resp)
}

func (h *Handler) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.Service.ListJobs(r.Context(), r.PathValue("id"))
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendResponse(w, jobs)
}

func (h *Handler) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Service.GetJob(r.Context(), r.PathValue("id"), r.PathValue("jobId"))
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendResponse(w, job)
}

type tokensResponse struct {
	Balance int64 `json:"balance"`
}

func (h *Handler) HandleGetTokens(w http.ResponseWriter, r *http.Request) {
	balance, err := h.Service.GetTokenBalance(r.Context())
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendResponse(w, tokensResponse{Balance: balance})
}

type grantRequest struct {
	UserId string `json:"userId"`
	Amount int64  `json:"amount"`
}

func (h *Handler) HandleGrantTokens(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if !h.decode(w, r, &req) {
		return
	}

	balance, err := h.Service.GrantTokens(r.Context(), req.UserId, req.Amount, "grant")
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendResponse(w, tokensResponse{Balance: balance})
}

type successResponse struct {
	Success bool `json:"success"`
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func newErrorBody(err error) *errorBody {
	return &errorBody{Kind: service.ErrorKind(err), Message: err.Error()}
}

type errorResponse struct {
	Error *errorBody `json:"error"`
}

var statusByError = []struct {
	err    error
	status int
}{
	{service.ErrInvalidInput, http.StatusBadRequest},
	{service.ErrUnauthorized, http.StatusUnauthorized},
	{service.ErrPermissionDenied, http.StatusForbidden},
	{service.ErrNotFound, http.StatusNotFound},
	{service.ErrLayerBusy, http.StatusConflict},
	{service.ErrInsufficientFunds, http.StatusPaymentRequired},
	{service.ErrProviderError, http.StatusBadGateway},
	{service.ErrTimeout, http.StatusGatewayTimeout},
	{service.ErrStorageError, http.StatusBadGateway},
}

func statusFor(err error) int {
	for _, s := range statusByError {
		if errors.Is(err, s.err) {
			return s.status
		}
	}
	return http.StatusInternalServerError
}

func (h *Handler) sendError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := newErrorBody(err)
	if status == http.StatusInternalServerError {
		log.Printf("Request failed: %v", err)
		body.Message = "internal error"
	}

	h.sendStatus(w, status, errorResponse{Error: body})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.sendError(w, service.ErrInvalidInput)
		return false
	}
	return true
}

func (h *Handler) sendResponse(w http.ResponseWriter, resp any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

func (h *Handler) sendStatus(w http.ResponseWriter, status int, resp any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func (h *Handler) getTokenFromAuthHeader(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return ""
	}
	return strings.TrimPrefix(authHeader, prefix)
}
