package api

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/lighthouse/broker/internal/errs"
	"github.com/lighthouse/broker/internal/projection"
)

// fileView is the JSON shape of a file version, content base64-encoded.
type fileView struct {
	Path       string    `json:"path"`
	Content    string    `json:"content"`
	ModifiedBy string    `json:"modified_by"`
	Sequence   uint64    `json:"sequence"`
	Timestamp  time.Time `json:"timestamp"`
}

func toFileView(v *projection.FileVersion) fileView {
	return fileView{
		Path:       v.Path,
		Content:    base64.StdEncoding.EncodeToString(v.Content),
		ModifiedBy: v.ModifiedBy,
		Sequence:   v.Sequence,
		Timestamp:  v.Timestamp,
	}
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	paths, err := s.b.Projection.List(agentFrom(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"paths": paths})
}

func (s *Server) handleCurrentFile(w http.ResponseWriter, r *http.Request) {
	path := mux.Vars(r)["path"]

	// as_of selects a historical view instead of the current one.
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, errs.New(errs.KindInvalidPayload, "as_of must be RFC3339"))
			return
		}
		v, err := s.b.Projection.AsOf(agentFrom(r), path, t)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, toFileView(v))
		return
	}

	v, err := s.b.Projection.Current(agentFrom(r), path)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toFileView(v))
}

func (s *Server) handleFileHistory(w http.ResponseWriter, r *http.Request) {
	versions, err := s.b.Projection.History(agentFrom(r), mux.Vars(r)["path"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]fileView, len(versions))
	for i := range versions {
		out[i] = toFileView(&versions[i])
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"versions": out})
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.b.Projection.Snapshots(agentFrom(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"snapshots": snaps})
}

func (s *Server) handleSnapshotFile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	v, err := s.b.Projection.SnapshotFile(agentFrom(r), vars["name"], vars["path"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toFileView(v))
}

func (s *Server) handleAnnotations(w http.ResponseWriter, r *http.Request) {
	notes, err := s.b.Projection.Annotations(agentFrom(r), mux.Vars(r)["path"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"annotations": notes})
}

func (s *Server) handleRecordFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path    string `json:"path"`
		Content string `json:"content"` // base64
	}
	if !s.decode(w, r, &req) {
		return
	}
	content, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil {
		s.writeError(w, errs.New(errs.KindInvalidPayload, "content must be base64"))
		return
	}
	id, err := s.b.Projection.RecordFileModified(agentFrom(r), req.Path, content)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"event_id": id})
}

func (s *Server) handleAddAnnotation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path    string `json:"path"`
		Line    int    `json:"line"`
		Message string `json:"message"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.b.Projection.AddAnnotation(agentFrom(r), req.Path, req.Line, req.Message)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"event_id": id})
}

func (s *Server) handleTakeSnapshot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.b.Projection.TakeSnapshot(agentFrom(r), req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"event_id": id})
}
