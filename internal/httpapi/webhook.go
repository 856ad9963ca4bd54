package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/briandastous/bdx/pkg/engineerr"
	"github.com/briandastous/bdx/pkg/storage"
)

type webhookNewFollowBody struct {
	LinkToProfile string `json:"LinkToProfile"`
}

// handleWebhookNewFollow accepts the token-gated IFTTT new-follow payload,
// resolves the follower's profile upstream, and persists an
// ifttt_webhook_new_follow ingest event plus the follow edge (spec §6).
// Failure statuses follow the §7 taxonomy: 401 bad token, 503 webhook
// ingestion not configured, 400 bad JSON, 422 unusable profile link, 404
// unknown profile, 503 upstream rate limit, 400 other upstream 4xx
// rejections, 502 other upstream failures, 500 persistence failure.
func (s *Server) handleWebhookNewFollow(w http.ResponseWriter, r *http.Request) {
	if s.webhookToken == "" || !tokenMatches(r, s.webhookToken) {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	if s.client == nil || s.selfUserID == 0 {
		writeError(w, http.StatusServiceUnavailable, "webhook ingestion not configured")
		return
	}

	var body webhookNewFollowBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	handle, ok := handleFromProfileLink(body.LinkToProfile)
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "unusable profile link")
		return
	}

	profile, err := s.client.FetchUserProfileByHandle(r.Context(), handle)
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	if profile.ID == 0 {
		writeError(w, http.StatusNotFound, "unknown profile")
		return
	}

	err = s.store.WithTx(r.Context(), func(ctx context.Context) error {
		h := profile.Handle
		if err := s.store.UpsertUser(ctx, storage.UpsertUserInput{ID: profile.ID, Handle: &h}); err != nil {
			return err
		}
		return s.store.InsertWebhookFollow(ctx, profile.ID, s.selfUserID)
	})
	if err != nil {
		s.log.WithError(err).Error("persist webhook follow")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"follower_id": int64String(profile.ID),
		"target_id":   int64String(s.selfUserID),
	})
}

func (s *Server) writeUpstreamError(w http.ResponseWriter, err error) {
	var rl *engineerr.RateLimitError
	var req *engineerr.UpstreamRequestError
	switch {
	case errors.As(err, &rl):
		if rl.RetryAfterSeconds >= 0 {
			w.Header().Set("Retry-After", strconv.Itoa(rl.RetryAfterSeconds))
		}
		writeError(w, http.StatusServiceUnavailable, "upstream rate limited")
	case errors.As(err, &req):
		if req.Status == http.StatusNotFound {
			writeError(w, http.StatusNotFound, "unknown profile")
			return
		}
		writeError(w, http.StatusBadRequest, "upstream rejected request")
	default:
		writeError(w, http.StatusBadGateway, "upstream failure")
	}
}

func tokenMatches(r *http.Request, want string) bool {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ") == want
	}
	return r.URL.Query().Get("token") == want
}

// handleFromProfileLink extracts the handle from a profile URL like
// https://x.com/alice or https://twitter.com/alice?s=21.
func handleFromProfileLink(link string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil || u.Host == "" {
		return "", false
	}
	path := strings.Trim(u.Path, "/")
	if path == "" || strings.Contains(path, "/") {
		return "", false
	}
	handle := strings.TrimPrefix(path, "@")
	if handle == "" {
		return "", false
	}
	return handle, true
}
