package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"itach-go-home/internal/bridge"
	"itach-go-home/internal/store"
)

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.bridge.Devices())
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	dev, err := s.bridge.Device(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

type renameDeviceRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleAPIRenameDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req renameDeviceRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.bridge.Rename(id, req.Name); err != nil {
		if errors.Is(err, bridge.ErrUnknownDevice) {
			s.writeError(w, http.StatusNotFound, "device not found")
			return
		}
		s.logger.Error("rename device", "err", err, "id", id)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "name": req.Name})
}

func (s *Server) handleAPIDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.bridge.RemoveDevice(id); err != nil {
		if errors.Is(err, bridge.ErrUnknownDevice) {
			s.writeError(w, http.StatusNotFound, "device not found")
			return
		}
		s.logger.Error("delete device", "err", err, "id", id)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIListEntities(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.bridge.Entities())
}

type sendIRRequest struct {
	Port   string `json:"port,omitempty"`
	Code   string `json:"code,omitempty"`
	Name   string `json:"name,omitempty"`
	Repeat int    `json:"repeat,omitempty"`
}

// handleAPISendIR transmits an infrared code. The request carries either a
// raw code in "code" or the name of a stored code in "name".
func (s *Server) handleAPISendIR(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req sendIRRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	repeat := req.Repeat
	if repeat == 0 {
		repeat = 1
	}

	var err error
	switch {
	case req.Code != "":
		err = s.bridge.SendIR(r.Context(), id, req.Port, req.Code, repeat)
	case req.Name != "":
		err = s.bridge.SendStored(r.Context(), id, req.Port, req.Name)
	default:
		s.writeError(w, http.StatusBadRequest, "code or name required")
		return
	}

	if err != nil {
		if errors.Is(err, bridge.ErrUnknownDevice) {
			s.writeError(w, http.StatusNotFound, "device not found")
			return
		}
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "code not found")
			return
		}
		s.logger.Error("send ir", "err", err, "id", id)
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type stopIRRequest struct {
	Port string `json:"port,omitempty"`
}

func (s *Server) handleAPIStopIR(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req stopIRRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.bridge.StopIR(r.Context(), id, req.Port); err != nil {
		if errors.Is(err, bridge.ErrUnknownDevice) {
			s.writeError(w, http.StatusNotFound, "device not found")
			return
		}
		s.logger.Error("stop ir", "err", err, "id", id)
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sendRawRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleAPISendRaw(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req sendRawRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Command == "" {
		s.writeError(w, http.StatusBadRequest, "command required")
		return
	}

	reply, err := s.bridge.SendRaw(r.Context(), id, req.Command)
	if err != nil {
		if errors.Is(err, bridge.ErrUnknownDevice) {
			s.writeError(w, http.StatusNotFound, "device not found")
			return
		}
		s.logger.Error("send raw", "err", err, "id", id)
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "reply": reply})
}

type learnRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleAPILearnStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req learnRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name required")
		return
	}

	if err := s.bridge.LearnStart(r.Context(), id, req.Name); err != nil {
		if errors.Is(err, bridge.ErrUnknownDevice) {
			s.writeError(w, http.StatusNotFound, "device not found")
			return
		}
		s.logger.Error("learn start", "err", err, "id", id)
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "learning", "name": req.Name})
}

func (s *Server) handleAPILearnCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.bridge.LearnCancel(r.Context(), id); err != nil {
		if errors.Is(err, bridge.ErrUnknownDevice) {
			s.writeError(w, http.StatusNotFound, "device not found")
			return
		}
		s.logger.Error("learn cancel", "err", err, "id", id)
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIListCodes(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	codes, err := s.bridge.Codes(id)
	if err != nil {
		if errors.Is(err, bridge.ErrUnknownDevice) {
			s.writeError(w, http.StatusNotFound, "device not found")
			return
		}
		s.logger.Error("list codes", "err", err, "id", id)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if codes == nil {
		codes = []*store.Code{}
	}
	s.writeJSON(w, http.StatusOK, codes)
}

func (s *Server) handleAPIDeleteCode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	name := r.PathValue("name")

	if err := s.bridge.DeleteCode(id, name); err != nil {
		if errors.Is(err, bridge.ErrUnknownDevice) {
			s.writeError(w, http.StatusNotFound, "device not found")
			return
		}
		s.logger.Error("delete code", "err", err, "id", id, "name", name)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
