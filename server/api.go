package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	offlineengine "github.com/wolfeidau/offline-engine"
	"github.com/wolfeidau/offline-engine/engine"
	"github.com/wolfeidau/offline-engine/intercept"
	"github.com/wolfeidau/offline-engine/store"
	"github.com/wolfeidau/offline-engine/telemetry"
)

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// errorStatus maps engine errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrNotInitialized), errors.Is(err, offlineengine.ErrOffline):
		return http.StatusServiceUnavailable
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, offlineengine.ErrNetwork):
		return http.StatusBadGateway
	case errors.Is(err, offlineengine.ErrStorage):
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func writeError(w http.ResponseWriter, err error) {
	notice := offlineengine.Describe(err)
	writeJSON(w, errorStatus(err), map[string]any{
		"error":  err.Error(),
		"notice": notice,
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Statistics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "force_sync")
	res, err := s.engine.ForceSync(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Store()
	if st == nil {
		writeError(w, engine.ErrNotInitialized)
		return
	}
	items, err := st.FailedItems(r.Context())
	if err != nil {
		writeError(w, offlineengine.NewStorageError("list failed items", err))
		return
	}
	if items == nil {
		items = []store.FailedItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "requeue")
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid item id"})
		return
	}
	st := s.engine.Store()
	if st == nil {
		writeError(w, engine.ErrNotInitialized)
		return
	}
	if err := st.RequeueFailed(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, err)
			return
		}
		writeError(w, offlineengine.NewStorageError("requeue failed item", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	var in intercept.Intent
	if err := decodeBody(w, r, &in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid intent: " + err.Error()})
		return
	}
	telemetry.SetEndpoint(r, in.Type)

	res, err := s.engine.Dispatch(r.Context(), in)
	if err != nil {
		writeJSON(w, errorStatus(err), map[string]any{
			"error":  err.Error(),
			"result": res,
		})
		return
	}

	status := http.StatusOK
	if res.Status == intercept.StatusQueued || res.Status == intercept.StatusPending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "url is required"})
		return
	}

	resp, err := s.engine.Fetch(r.Context(), target)
	if err != nil {
		telemetry.SetCacheResult(r, telemetry.CacheError)
		writeError(w, err)
		return
	}

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("X-Fetched-At", resp.FetchedAt.UTC().Format(http.TimeFormat))
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "clear_offline_data")
	if err := s.engine.ClearOfflineData(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Online bool `json:"online"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	changed := s.engine.Network().SetOnline(body.Online)
	writeJSON(w, http.StatusOK, map[string]any{
		"changed": changed,
		"status":  s.engine.Network().Status(),
	})
}

func (s *Server) handleVisible(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Visible bool `json:"visible"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.engine.Network().SetVisible(body.Visible)
	writeJSON(w, http.StatusOK, s.engine.Network().Status())
}

func (s *Server) handleErrors(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"history":    s.engine.Reporter().History(),
		"statistics": s.engine.Reporter().Statistics(),
	})
}
