package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/openfroyo/reshard/pkg/engine"
)

// PhasesResponse lists the registered phases in execution order.
type PhasesResponse struct {
	Phases []string `json:"phases"`
}

// PlansResponse is the body of GET /plans.
type PlansResponse struct {
	Plans []*engine.PlanView `json:"plans"`
}

// PauseRequest is the optional body of POST /plan/{id}/pause.
type PauseRequest struct {
	PauseAtPhase string `json:"pause_at_phase,omitempty"`
}

// TuneRequest is the body of POST /plan/{id}/tune/{name}. A null value
// removes the knob.
type TuneRequest struct {
	TuningValue *float64 `json:"tuning_value"`
}

// TuningResponse carries a plan's tuning knobs.
type TuningResponse struct {
	ID     string             `json:"id"`
	Tuning map[string]float64 `json:"tuning"`
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePhases(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, PhasesResponse{Phases: s.ex.Phases()})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var opts engine.CreateOptions
	if err := decodeBody(r, &opts, false); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	plan, err := s.ex.CreatePlan(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, err, http.StatusInternalServerError)
		return
	}
	s.log.WithPlanID(plan.ID).WithShard(plan.Shard).Info("plan created")
	writeJSON(w, http.StatusCreated, plan)
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	all := false
	if v := r.URL.Query().Get("all"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeBadRequest(w, "all must be a boolean")
			return
		}
		all = b
	}

	views, err := s.ex.ListPlans(r.Context(), all)
	if err != nil {
		s.writeError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, PlansResponse{Plans: views})
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	s.writeView(w, r, r.PathValue("id"), http.StatusOK)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req PauseRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	id := r.PathValue("id")
	if err := s.ex.Pause(id, req.PauseAtPhase); err != nil {
		s.writeError(w, r, err, http.StatusInternalServerError)
		return
	}
	s.writeView(w, r, id, http.StatusOK)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.ex.Resume(id); err != nil {
		s.writeError(w, r, err, http.StatusInternalServerError)
		return
	}
	s.writeView(w, r, id, http.StatusOK)
}

func (s *Server) handleUnhold(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.ex.Unhold(id); err != nil {
		s.writeError(w, r, err, http.StatusInternalServerError)
		return
	}
	s.writeView(w, r, id, http.StatusOK)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.ex.Archive(id); err != nil {
		s.writeError(w, r, err, http.StatusInternalServerError)
		return
	}
	s.writeView(w, r, id, http.StatusOK)
}

func (s *Server) handleGetTuning(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	tuning, err := s.ex.Tuning(id)
	if err != nil {
		s.writeError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, TuningResponse{ID: id, Tuning: tuning})
}

func (s *Server) handleTune(w http.ResponseWriter, r *http.Request) {
	var raw map[string]json.RawMessage
	if err := decodeBody(r, &raw, false); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	value, ok := raw["tuning_value"]
	if !ok {
		writeBadRequest(w, "tuning_value is required")
		return
	}
	var req TuneRequest
	if err := json.Unmarshal(value, &req.TuningValue); err != nil {
		writeBadRequest(w, "tuning_value must be a number or null")
		return
	}

	id := r.PathValue("id")
	if err := s.ex.Tune(id, r.PathValue("name"), req.TuningValue); err != nil {
		s.writeError(w, r, err, http.StatusInternalServerError)
		return
	}
	tuning, err := s.ex.Tuning(id)
	if err != nil {
		s.writeError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, TuningResponse{ID: id, Tuning: tuning})
}

// handleUpdate hands the raw body to the handler a phase registered under
// token. Handler errors without an engine code are the caller's fault.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "failed to read body")
		return
	}
	if len(body) == 0 {
		body = []byte("null")
	}
	if !json.Valid(body) {
		writeBadRequest(w, "body must be JSON")
		return
	}

	if err := s.ex.Update(r.PathValue("id"), r.PathValue("token"), json.RawMessage(body)); err != nil {
		s.writeError(w, r, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) writeView(w http.ResponseWriter, r *http.Request, id string, status int) {
	view, err := s.ex.GetPlan(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, status, view)
}

// decodeBody decodes a JSON body into v. With optional set an empty body
// leaves v untouched.
func decodeBody(r *http.Request, v interface{}, optional bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			if optional {
				return nil
			}
			return errors.New("request body is required")
		}
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}
