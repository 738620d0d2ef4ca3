package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/mattermost/mattermost/server/public/plugin"

	"github.com/mattermost/mattermost-plugin-crisis-support/server/crisis"
	"github.com/mattermost/mattermost-plugin-crisis-support/server/offline"
)

// maxRequestBytes bounds request bodies.
const maxRequestBytes = 64 * 1024

var requestValidator = validator.New(validator.WithRequiredStructEnabled())

type analyzeRequest struct {
	Text     string `json:"text" validate:"required,max=10000"`
	Debounce bool   `json:"debounce"`
	Language string `json:"language" validate:"omitempty,bcp47_language_tag"`
}

type actionStatusRequest struct {
	Status crisis.ActionStatus `json:"status" validate:"required,oneof=executed failed"`
}

type queueRequest struct {
	Type     string          `json:"type" validate:"required,max=64"`
	Payload  json.RawMessage `json:"payload"`
	Priority int             `json:"priority" validate:"min=0,max=10"`
	Language string          `json:"language" validate:"omitempty,bcp47_language_tag"`
}

type networkRequest struct {
	Online *bool `json:"online" validate:"required"`
}

// ServeHTTP handles HTTP requests for the plugin.
// The root URL is currently <siteUrl>/plugins/com.mattermost.plugin-crisis-support/api/v1/.
func (p *Plugin) ServeHTTP(c *plugin.Context, w http.ResponseWriter, r *http.Request) {
	router := mux.NewRouter()

	// Middleware to require that the user is logged in
	router.Use(p.MattermostAuthorizationRequired)
	router.Use(p.RequireActive)

	apiRouter := router.PathPrefix("/api/v1").Subrouter()

	apiRouter.HandleFunc("/analyze", p.handleAnalyze).Methods(http.MethodPost)
	apiRouter.HandleFunc("/state", p.handleGetState).Methods(http.MethodGet)
	apiRouter.HandleFunc("/history", p.handleGetHistory).Methods(http.MethodGet)
	apiRouter.HandleFunc("/alert/dismiss", p.handleDismissAlert).Methods(http.MethodPost)
	apiRouter.HandleFunc("/actions/take", p.handleTakeActions).Methods(http.MethodPost)
	apiRouter.HandleFunc("/actions/{id}/status", p.handleReportAction).Methods(http.MethodPost)

	apiRouter.HandleFunc("/resources", p.handleGetResources).Methods(http.MethodGet)
	apiRouter.HandleFunc("/features/{feature}", p.handleFeatureAvailable).Methods(http.MethodGet)
	apiRouter.HandleFunc("/queue", p.handleEnqueue).Methods(http.MethodPost)
	apiRouter.HandleFunc("/queue/sync", p.handleForceSync).Methods(http.MethodPost)
	apiRouter.HandleFunc("/offline", p.handleClearOffline).Methods(http.MethodDelete)
	apiRouter.HandleFunc("/offline/resources", p.handleUpdateResources).Methods(http.MethodPost)
	apiRouter.HandleFunc("/network", p.handleNetwork).Methods(http.MethodPost)
	apiRouter.HandleFunc("/capabilities", p.handleCapabilities).Methods(http.MethodPost)
	apiRouter.HandleFunc("/status", p.handleGetStatus).Methods(http.MethodGet)
	apiRouter.HandleFunc("/failures/acknowledge", p.handleAcknowledgeFailures).Methods(http.MethodPost)

	router.ServeHTTP(w, r)
}

func (p *Plugin) MattermostAuthorizationRequired(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("Mattermost-User-ID")
		if userID == "" {
			http.Error(w, "Not authorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RequireActive rejects requests that arrive before activation completed.
func (p *Plugin) RequireActive(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p.registry == nil || p.offline == nil {
			http.Error(w, "Plugin is not active", http.StatusServiceUnavailable)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (p *Plugin) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if !p.decodeRequest(w, r, &req) {
		return
	}

	userID := r.Header.Get("Mattermost-User-ID")
	session := p.registry.Get(userID)
	actx := crisis.AnalysisContext{
		UserID:   userID,
		Language: req.Language,
		Source:   "compose",
	}

	if req.Debounce {
		seq := session.AnalyzeDebounced(req.Text, actx)
		p.writeJSON(w, http.StatusAccepted, map[string]any{
			"seq":   seq,
			"state": session.State(),
		})
		return
	}

	result := session.AnalyzeNow(req.Text, actx)
	p.writeJSON(w, http.StatusOK, map[string]any{
		"result": result,
		"state":  session.State(),
	})
}

func (p *Plugin) handleGetState(w http.ResponseWriter, r *http.Request) {
	session := p.registry.Get(r.Header.Get("Mattermost-User-ID"))
	p.writeJSON(w, http.StatusOK, session.State())
}

func (p *Plugin) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	session := p.registry.Get(r.Header.Get("Mattermost-User-ID"))
	p.writeJSON(w, http.StatusOK, session.History())
}

func (p *Plugin) handleDismissAlert(w http.ResponseWriter, r *http.Request) {
	session := p.registry.Get(r.Header.Get("Mattermost-User-ID"))
	dismissed := session.Dismiss()
	p.writeJSON(w, http.StatusOK, map[string]any{
		"dismissed": dismissed,
		"state":     session.State(),
	})
}

func (p *Plugin) handleTakeActions(w http.ResponseWriter, r *http.Request) {
	session := p.registry.Get(r.Header.Get("Mattermost-User-ID"))
	actions := session.TakeActions()
	if actions == nil {
		actions = []crisis.Action{}
	}
	p.writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

func (p *Plugin) handleReportAction(w http.ResponseWriter, r *http.Request) {
	var req actionStatusRequest
	if !p.decodeRequest(w, r, &req) {
		return
	}

	actionID := mux.Vars(r)["id"]
	session := p.registry.Get(r.Header.Get("Mattermost-User-ID"))
	if !session.ReportAction(actionID, req.Status) {
		p.writeError(w, http.StatusNotFound, "action not found on the current alert")
		return
	}
	p.writeJSON(w, http.StatusOK, session.State())
}

func (p *Plugin) handleGetResources(w http.ResponseWriter, r *http.Request) {
	resourceType := r.URL.Query().Get("type")
	if err := requestValidator.Var(resourceType, "omitempty,oneof=hotline coping-script safety-plan static-page article"); err != nil {
		p.writeError(w, http.StatusBadRequest, "unknown resource type")
		return
	}

	resources := p.offline.GetResources(resourceType)
	if resources == nil {
		resources = []offline.Resource{}
	}
	p.writeJSON(w, http.StatusOK, resources)
}

func (p *Plugin) handleFeatureAvailable(w http.ResponseWriter, r *http.Request) {
	feature := mux.Vars(r)["feature"]
	p.writeJSON(w, http.StatusOK, map[string]any{
		"feature":   feature,
		"available": p.offline.IsFeatureAvailable(feature),
	})
}

func (p *Plugin) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req queueRequest
	if !p.decodeRequest(w, r, &req) {
		return
	}

	id, err := p.offline.AddToSyncQueue(offline.Item{
		Type:     req.Type,
		Payload:  req.Payload,
		Priority: req.Priority,
		Language: req.Language,
		Context:  map[string]string{contextUserID: r.Header.Get("Mattermost-User-ID")},
	})
	switch {
	case errors.Is(err, offline.ErrInvalidItem):
		p.writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, offline.ErrQueueClosed):
		p.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		p.API.LogError("Failed to queue item", "type", req.Type, "error", err.Error())
		p.writeError(w, http.StatusInternalServerError, "failed to queue item")
		return
	}

	p.writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (p *Plugin) handleForceSync(w http.ResponseWriter, r *http.Request) {
	p.writeJSON(w, http.StatusOK, p.offline.ForceSync(r.Context()))
}

func (p *Plugin) handleClearOffline(w http.ResponseWriter, r *http.Request) {
	if err := p.offline.ClearOfflineData(); err != nil {
		p.API.LogWarn("Offline data cleared in memory only", "error", err.Error())
	}
	p.writeJSON(w, http.StatusOK, statusForUser(p.offline.Status(), r.Header.Get("Mattermost-User-ID")))
}

func (p *Plugin) handleUpdateResources(w http.ResponseWriter, r *http.Request) {
	count, err := p.offline.UpdateOfflineResources()
	if err != nil {
		p.API.LogWarn("Offline resources cached in memory only", "error", err.Error())
	}
	p.writeJSON(w, http.StatusOK, map[string]any{
		"cached":   count,
		"strategy": p.offline.Strategy(),
	})
}

func (p *Plugin) handleNetwork(w http.ResponseWriter, r *http.Request) {
	var req networkRequest
	if !p.decodeRequest(w, r, &req) {
		return
	}

	p.offline.ReportNetwork(*req.Online)
	w.WriteHeader(http.StatusNoContent)
}

func (p *Plugin) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	var signals offline.Signals
	if !p.decodeRequest(w, r, &signals) {
		return
	}

	strategy := p.offline.ReportCapabilities(signals)

	// Constrained devices get a longer window; a longer configured window wins.
	window := p.getConfiguration().debounceWindow()
	if strategy.AnalysisDebounce > window {
		window = strategy.AnalysisDebounce
	}
	p.registry.Get(r.Header.Get("Mattermost-User-ID")).SetDebounceWindow(window)

	p.writeJSON(w, http.StatusOK, strategy)
}

func (p *Plugin) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	p.writeJSON(w, http.StatusOK, statusForUser(p.offline.Status(), r.Header.Get("Mattermost-User-ID")))
}

func (p *Plugin) handleAcknowledgeFailures(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("Mattermost-User-ID")
	failures := p.offline.AcknowledgeFailures(func(f offline.TerminalFailure) bool {
		return f.Item.Context[contextUserID] == userID
	})
	if failures == nil {
		failures = []offline.TerminalFailure{}
	}
	p.writeJSON(w, http.StatusOK, map[string]any{"failures": failures})
}

// decodeRequest decodes and validates a JSON body, writing a 400 on failure.
func (p *Plugin) decodeRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(dst); err != nil {
		p.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}

	if err := requestValidator.Struct(dst); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			p.API.LogError("Request validation misconfigured", "error", err.Error())
			p.writeError(w, http.StatusInternalServerError, "internal error")
			return false
		}
		p.writeError(w, http.StatusBadRequest, err.Error())
		return false
	}

	return true
}

func (p *Plugin) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		p.API.LogWarn("Failed to write response", "error", err.Error())
	}
}

func (p *Plugin) writeError(w http.ResponseWriter, status int, message string) {
	p.writeJSON(w, status, map[string]string{"error": message})
}
