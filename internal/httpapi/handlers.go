package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/briandastous/bdx/pkg/model"
	"github.com/briandastous/bdx/pkg/storage"
)

type ctxRequestID struct{}

func contextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxRequestID{}, id)
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxRequestID{}).(string)
	return id
}

// int64String marshals an int64 as a decimal string, per the API contract
// (OpenAPI type: string, format: int64).
type int64String int64

func (n int64String) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatInt(int64(n), 10))
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ingestRunBody struct {
	ID                           int64String  `json:"id"`
	Kind                         string       `json:"ingest_kind"`
	TargetUserID                 int64String  `json:"target_user_id"`
	SyncMode                     string       `json:"sync_mode"`
	Status                       string       `json:"status"`
	CursorExhausted              bool         `json:"cursor_exhausted"`
	LastAPIStatus                int          `json:"last_api_status,omitempty"`
	LastAPIError                 string       `json:"last_api_error,omitempty"`
	SyncedSince                  *time.Time   `json:"synced_since,omitempty"`
	RequestedByMaterializationID *int64String `json:"requested_by_materialization_id,omitempty"`
	CreatedAt                    time.Time    `json:"created_at"`
	CompletedAt                  *time.Time   `json:"completed_at,omitempty"`
}

func (s *Server) handleIngestRun(kind model.IngestKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r)
		if !ok {
			writeError(w, http.StatusNotFound, "unknown ingest run")
			return
		}
		run, err := s.store.GetIngestRun(r.Context(), model.IngestEventID(id))
		if errors.Is(err, storage.ErrNotFound) || (err == nil && run.Kind != kind) {
			writeError(w, http.StatusNotFound, "unknown ingest run")
			return
		}
		if err != nil {
			s.log.WithError(err).Error("load ingest run")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		body := ingestRunBody{
			ID:              int64String(run.ID),
			Kind:            string(run.Kind),
			TargetUserID:    int64String(run.TargetUserID),
			SyncMode:        string(run.Mode),
			Status:          string(run.Status),
			CursorExhausted: run.CursorExhausted,
			LastAPIStatus:   run.LastAPIStatus,
			LastAPIError:    run.LastAPIError,
			SyncedSince:     run.SyncedSince,
			CreatedAt:       run.CreatedAt,
			CompletedAt:     run.CompletedAt,
		}
		if run.RequestedByMaterializationID != nil {
			v := int64String(*run.RequestedByMaterializationID)
			body.RequestedByMaterializationID = &v
		}
		writeJSON(w, http.StatusOK, body)
	}
}

type materializationBody struct {
	ID                             int64String `json:"id"`
	AssetInstanceID                int64String `json:"asset_instance_id"`
	AssetSlug                      string      `json:"asset_slug"`
	InputsHashVersion              int         `json:"inputs_hash_version"`
	InputsHash                     string      `json:"inputs_hash"`
	DependencyRevisionsHashVersion int         `json:"dependency_revisions_hash_version"`
	DependencyRevisionsHash        string      `json:"dependency_revisions_hash"`
	OutputRevision                 int64String `json:"output_revision"`
	Status                         string      `json:"status"`
	TriggerReason                  string      `json:"trigger_reason,omitempty"`
	ErrorPayload                   string      `json:"error_payload,omitempty"`
	StartedAt                      time.Time   `json:"started_at"`
	CompletedAt                    *time.Time  `json:"completed_at,omitempty"`
}

func (s *Server) handleMaterialization(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown materialization")
		return
	}
	m, err := s.store.GetMaterialization(r.Context(), model.AssetMaterializationID(id))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown materialization")
		return
	}
	if err != nil {
		s.log.WithError(err).Error("load materialization")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, materializationBody{
		ID:                             int64String(m.ID),
		AssetInstanceID:                int64String(m.AssetInstanceID),
		AssetSlug:                      string(m.AssetSlug),
		InputsHashVersion:              m.InputsHashVersion,
		InputsHash:                     m.InputsHash,
		DependencyRevisionsHashVersion: m.DependencyRevisionsHashVersion,
		DependencyRevisionsHash:        m.DependencyRevisionsHash,
		OutputRevision:                 int64String(m.OutputRevision),
		Status:                         string(m.Status),
		TriggerReason:                  m.TriggerReason,
		ErrorPayload:                   m.ErrorPayload,
		StartedAt:                      m.StartedAt,
		CompletedAt:                    m.CompletedAt,
	})
}

type rootBody struct {
	RootID     int64String `json:"root_id"`
	InstanceID int64String `json:"instance_id"`
	AssetSlug  string      `json:"asset_slug"`
	ParamsHash string      `json:"params_hash"`
	CreatedAt  time.Time   `json:"created_at"`
}

func (s *Server) handleRoots(w http.ResponseWriter, r *http.Request) {
	roots, err := s.store.EnabledRoots(r.Context())
	if err != nil {
		s.log.WithError(err).Error("load roots")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]rootBody, 0, len(roots))
	for _, root := range roots {
		inst, err := s.store.GetInstance(r.Context(), root.InstanceID)
		if err != nil {
			s.log.WithError(err).Error("load root instance")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		params, err := s.store.GetParams(r.Context(), inst.ParamsID)
		if err != nil {
			s.log.WithError(err).Error("load root params")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		out = append(out, rootBody{
			RootID:     int64String(root.ID),
			InstanceID: int64String(root.InstanceID),
			AssetSlug:  string(params.Slug),
			ParamsHash: params.ParamsHash,
			CreatedAt:  root.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"roots": out})
}
