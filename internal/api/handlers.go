package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/shadowsync/shadowsync/internal/engine"
	"github.com/shadowsync/shadowsync/internal/models"
)

// handleStatus returns the connection and reconciliation status
func (s *RESTServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.engine.Status())
}

// handleState returns the local device state
func (s *RESTServer) handleState(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.engine.LocalState())
}

// handleShadow fetches the full shadow document from the broker
func (s *RESTServer) handleShadow(w http.ResponseWriter, r *http.Request) {
	doc, err := s.engine.Get(r.Context())
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, doc)
}

// handleDelta returns the pending delta, if any
func (s *RESTServer) handleDelta(w http.ResponseWriter, r *http.Request) {
	pending, changes, ok := s.engine.PendingDelta()
	if !ok {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"pending": false,
		})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"pending": true,
		"delta":   pending,
		"changes": changes,
	})
}

// handleHistory returns recent shadow activity
func (s *RESTServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.engine.History())
}

// handleDesire publishes a desired-state patch, acting as the cloud side
func (s *RESTServer) handleDesire(w http.ResponseWriter, r *http.Request) {
	var partial models.Attributes
	if err := json.NewDecoder(r.Body).Decode(&partial); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(partial) == 0 {
		s.respondError(w, http.StatusBadRequest, "desired attributes are required")
		return
	}

	if err := s.engine.Desire(r.Context(), partial); err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{"result": "desired state published"})
}

// handleReport publishes the local state as reported state
func (s *RESTServer) handleReport(w http.ResponseWriter, r *http.Request) {
	doc, err := s.engine.Report(r.Context())
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, doc)
}

// handleApplyDelta applies the pending delta locally and reports back
func (s *RESTServer) handleApplyDelta(w http.ResponseWriter, r *http.Request) {
	doc, err := s.engine.ApplyDelta(r.Context())
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, doc)
}

// handleDismissDelta discards the pending delta without applying it
func (s *RESTServer) handleDismissDelta(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DismissDelta(); err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"result": "delta dismissed"})
}

// handleEditState merges attributes into the local state without reporting
func (s *RESTServer) handleEditState(w http.ResponseWriter, r *http.Request) {
	var partial models.Attributes
	if err := json.NewDecoder(r.Body).Decode(&partial); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(partial) == 0 {
		s.respondError(w, http.StatusBadRequest, "attributes are required")
		return
	}

	state, err := s.engine.EditLocal(r.Context(), partial)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, state)
}

// respondEngineError maps engine errors to HTTP status codes
func (s *RESTServer) respondEngineError(w http.ResponseWriter, err error) {
	var rejection *engine.RemoteRejection
	var timeout *engine.TimeoutError

	switch {
	case errors.Is(err, engine.ErrBusy):
		s.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrNoPendingDelta):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrAborted):
		s.respondError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &rejection):
		if rejection.Informational() {
			s.respondError(w, http.StatusNotFound, rejection.Message)
			return
		}
		s.respondError(w, http.StatusBadGateway, err.Error())
	case errors.As(err, &timeout):
		s.respondError(w, http.StatusGatewayTimeout, err.Error())
	default:
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// respondJSON writes a JSON response
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

// respondError writes an error response
func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}
