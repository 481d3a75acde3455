// Package syncworker implements the remote sync worker: it drains pending
// sessions from the local store and forwards each to a document service and
// a best-effort memory service.
package syncworker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jasonberkes/ses-local/internal/authstub"
	"github.com/jasonberkes/ses-local/internal/model"
	"github.com/jasonberkes/ses-local/internal/store"
)

const (
	productiveInterval   = 2 * time.Minute
	unproductiveInterval = 10 * time.Minute
	batchSize            = 10
	memorySummaryLimit   = 500
	documentTimeout      = 30 * time.Second
	memoryTimeout        = 15 * time.Second
)

// Worker periodically drains pending sessions and syncs them to the cloud.
type Worker struct {
	store       store.Store
	auth        authstub.AuthService
	httpClient  *http.Client
	documentURL string
	memoryURL   string
	tenantID    string
}

func New(st store.Store, auth authstub.AuthService, documentURL, memoryURL, tenantID string) *Worker {
	return &Worker{
		store:       st,
		auth:        auth,
		httpClient:  &http.Client{},
		documentURL: documentURL,
		memoryURL:   memoryURL,
		tenantID:    tenantID,
	}
}

// Run loops until ctx is cancelled, re-scheduling itself via a resettable
// timer rather than a fixed ticker so the interval can adapt: 2 minutes
// after a productive pass, 10 minutes otherwise.
func (w *Worker) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			synced, err := w.RunOnce(ctx)
			next := unproductiveInterval
			if err == nil && synced > 0 {
				next = productiveInterval
			}
			timer.Reset(next)
		}
	}
}

// RunOnce runs a single sync pass and reports how many sessions were synced.
// Exported so tests can trigger a pass on demand.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	token, err := w.auth.GetAccessToken(ctx)
	if err != nil {
		slog.Debug("sync worker: no bearer credential, aborting pass", "error", err)
		return 0, nil
	}

	pending, err := w.store.GetPendingSync(ctx, batchSize)
	if err != nil {
		slog.Warn("sync worker: failed to list pending sessions", "error", err)
		return 0, err
	}

	synced := 0
	for _, sess := range pending {
		if err := w.syncOne(ctx, token, sess); err != nil {
			slog.Warn("sync worker: failed to sync session", "session_id", sess.ID, "error", err)
			continue
		}
		synced++
	}
	return synced, nil
}

func (w *Worker) syncOne(ctx context.Context, token string, sess *model.Session) error {
	msgs, err := w.store.GetMessages(ctx, sess.ID)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}

	transcript := formatTranscript(sess, msgs)

	docID, err := w.postDocument(ctx, token, sess, transcript)
	if err != nil {
		return fmt.Errorf("post document: %w", err)
	}

	w.postMemory(ctx, token, msgs) // best-effort; errors never abort the pass

	return w.store.MarkSynced(ctx, &model.LedgerEntry{
		Source:       sess.Source,
		ExternalID:   sess.ExternalID,
		LastSyncedAt: time.Now().UTC(),
		DocServiceID: docID,
		MemorySynced: true,
	})
}

// formatTranscript renders a session's messages as a markdown transcript.
func formatTranscript(sess *model.Session, msgs []*model.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", sess.Title)
	for _, m := range msgs {
		fmt.Fprintf(&b, "**%s** (%s):\n\n%s\n\n", m.Role, m.CreatedAt.Format(time.RFC3339), m.Content)
	}
	return b.String()
}

type documentRequest struct {
	TenantID       string `json:"tenantId"`
	DocumentTypeID int    `json:"documentTypeId"`
	Title          string `json:"title"`
	Description    string `json:"description"`
	ContentHash    string `json:"contentHash"`
	MimeType       string `json:"mimeType"`
	Metadata       string `json:"metadata"`
	Tags           []string `json:"tags"`
	CreatedBy      string `json:"createdBy"`
}

type documentResponse struct {
	ID string `json:"id"`
}

func (w *Worker) postDocument(ctx context.Context, token string, sess *model.Session, transcript string) (*string, error) {
	metadata, err := json.Marshal(map[string]string{"transcript": transcript})
	if err != nil {
		return nil, err
	}

	body := documentRequest{
		TenantID:       w.tenantID,
		DocumentTypeID: 4,
		Title:          sess.Title,
		Description:    fmt.Sprintf("Conversation transcript for %s", sess.ExternalID),
		ContentHash:    sess.ContentHash,
		MimeType:       "application/json",
		Metadata:       string(metadata),
		Tags:           []string{string(sess.Source)},
		CreatedBy:      "ses-local",
	}

	ctx, cancel := context.WithTimeout(ctx, documentTimeout)
	defer cancel()

	resp, err := w.postJSON(ctx, w.documentURL, token, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("document service returned %d", resp.StatusCode)
	}

	var decoded documentResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode document response: %w", err)
	}
	if decoded.ID == "" {
		return nil, nil
	}
	return &decoded.ID, nil
}

type memoryRequest struct {
	Content    string   `json:"content"`
	Importance int      `json:"importance"`
	Tags       []string `json:"tags"`
}

// postMemory best-effort posts the first assistant message to the memory
// retention endpoint. 401/403/network failures are not errors; they mean
// the user simply lacks the scope for this optional feature.
func (w *Worker) postMemory(ctx context.Context, token string, msgs []*model.Message) {
	var first *model.Message
	for _, m := range msgs {
		if m.Role == "assistant" {
			first = m
			break
		}
	}
	if first == nil {
		return
	}

	content := first.Content
	if len(content) > memorySummaryLimit {
		content = content[:memorySummaryLimit] + "..."
	}

	ctx, cancel := context.WithTimeout(ctx, memoryTimeout)
	defer cancel()

	resp, err := w.postJSON(ctx, w.memoryURL, token, memoryRequest{
		Content:    content,
		Importance: 3,
		Tags:       []string{"ses-local"},
	})
	if err != nil {
		slog.Debug("sync worker: memory post failed (non-fatal)", "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return // feature unavailable for this user; not a failure
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Debug("sync worker: memory post returned non-2xx", "status", resp.StatusCode)
	}
}

func (w *Worker) postJSON(ctx context.Context, url, token string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	return w.httpClient.Do(req)
}
