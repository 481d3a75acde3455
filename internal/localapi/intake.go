// Package localapi implements the daemon's two HTTP listeners: a loopback
// intake server the browser extension posts conversations to, and a
// privileged control-plane server exposed over a local domain socket.
package localapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jasonberkes/ses-local/internal/authstub"
	"github.com/jasonberkes/ses-local/internal/model"
	"github.com/jasonberkes/ses-local/internal/store"
)

// IntakeAddr is the hard-coded loopback address for the
// browser-extension-facing listener.
const IntakeAddr = "127.0.0.1:37780"

const corsOrigin = "chrome-extension://*"

// IntakeServer is the loopback HTTP intake: the browser extension's only
// path into the local store.
type IntakeServer struct {
	Store store.Store
	Auth  authstub.AuthService
}

func NewIntakeServer(st store.Store, auth authstub.AuthService) *IntakeServer {
	return &IntakeServer{Store: st, Auth: auth}
}

func (s *IntakeServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sync/conversations", s.handleSyncConversations)
	mux.HandleFunc("/auth/callback", s.handleAuthCallback)
	mux.HandleFunc("/", s.handleFallback)
	return withCORS(mux)
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", corsOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *IntakeServer) handleFallback(w http.ResponseWriter, r *http.Request) {
	http.NotFound(w, r)
}

type intakeMessage struct {
	UUID      string `json:"uuid"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
}

type intakeConversation struct {
	UUID      string          `json:"uuid"`
	Name      string          `json:"name"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
	Messages  []intakeMessage `json:"messages"`
}

type syncRequest struct {
	Conversations []intakeConversation `json:"conversations"`
}

type syncResponse struct {
	Synced int `json:"synced"`
}

func (s *IntakeServer) handleSyncConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "bearer token does not match")
		return
	}

	var body syncRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	synced := 0
	for _, conv := range body.Conversations {
		if err := s.ingestConversation(r.Context(), conv); err != nil {
			slog.Warn("local intake: failed to ingest conversation", "uuid", conv.UUID, "error", err)
			continue
		}
		synced++
	}

	writeJSON(w, http.StatusOK, syncResponse{Synced: synced})
}

func (s *IntakeServer) ingestConversation(ctx context.Context, conv intakeConversation) error {
	createdAt, err := parseTime(conv.CreatedAt)
	if err != nil {
		return err
	}
	updatedAt, err := parseTime(conv.UpdatedAt)
	if err != nil {
		return err
	}

	sess := &model.Session{
		Source:       model.SourceClaudeChat,
		ExternalID:   conv.UUID,
		Title:        conv.Name,
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
		MessageCount: len(conv.Messages),
		ContentHash:  model.ContentHash(conv.UUID, updatedAt, len(conv.Messages)),
	}
	sessionID, err := s.Store.UpsertSession(ctx, sess)
	if err != nil {
		return err
	}

	msgs := make([]*model.Message, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		ts, err := parseTime(m.CreatedAt)
		if err != nil {
			continue
		}
		role := "assistant"
		if strings.EqualFold(m.Sender, "human") {
			role = "user"
		}
		msgs = append(msgs, &model.Message{
			SessionID: sessionID,
			Role:      role,
			Content:   m.Text,
			CreatedAt: ts,
		})
	}
	return s.Store.UpsertMessages(ctx, sessionID, msgs)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func (s *IntakeServer) authorized(r *http.Request) bool {
	pat, ok := s.Auth.GetPat(r.Context())
	if !ok || pat == "" {
		return false
	}
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	return strings.TrimPrefix(header, prefix) == pat
}

func (s *IntakeServer) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	refresh := r.URL.Query().Get("refresh")
	access := r.URL.Query().Get("access")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.Auth.HandleAuthCallback(r.Context(), refresh, access); err != nil {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(authCallbackFailureHTML))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(authCallbackSuccessHTML))
}

const authCallbackSuccessHTML = `<!doctype html><html><body><p>Signed in. You can close this tab.</p></body></html>`
const authCallbackFailureHTML = `<!doctype html><html><body><p>Sign-in failed. Please try again.</p></body></html>`

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
