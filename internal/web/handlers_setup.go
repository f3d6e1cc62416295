package web

import (
	"encoding/json"
	"net/http"

	"itach-go-home/internal/setup"
)

// setupResponse is the JSON envelope around a wizard response.
type setupResponse struct {
	Step         string                     `json:"step"`
	Input        *setup.RequestInput        `json:"input,omitempty"`
	Confirmation *setup.RequestConfirmation `json:"confirmation,omitempty"`
	Complete     bool                       `json:"complete,omitempty"`
	Error        *setup.SetupError          `json:"error,omitempty"`
}

func (s *Server) writeSetupResponse(w http.ResponseWriter, resp setup.Response) {
	out := setupResponse{Step: s.setupFlow.Step().String()}

	switch r := resp.(type) {
	case setup.RequestInput:
		out.Input = &r
	case setup.RequestConfirmation:
		out.Confirmation = &r
	case setup.Complete:
		out.Complete = true
	case setup.SetupError:
		out.Error = &r
	}

	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSetupStart(w http.ResponseWriter, r *http.Request) {
	var req setup.StartRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.writeSetupResponse(w, s.setupFlow.Handle(r.Context(), req))
}

func (s *Server) handleSetupData(w http.ResponseWriter, r *http.Request) {
	var req setup.UserDataRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Fields == nil {
		req.Fields = map[string]string{}
	}

	s.writeSetupResponse(w, s.setupFlow.Handle(r.Context(), req))
}

func (s *Server) handleSetupConfirm(w http.ResponseWriter, r *http.Request) {
	s.writeSetupResponse(w, s.setupFlow.Handle(r.Context(), setup.ConfirmationRequest{}))
}

func (s *Server) handleSetupAbort(w http.ResponseWriter, r *http.Request) {
	var req setup.AbortRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	// Body is optional for abort.
	_ = json.NewDecoder(r.Body).Decode(&req)

	s.writeSetupResponse(w, s.setupFlow.Handle(r.Context(), req))
}
