// Package remoteapi implements the rate-limited paginated HTTPS client
// against the conversation provider.
package remoteapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jasonberkes/ses-local/internal/model"
	"github.com/jasonberkes/ses-local/internal/store"
)

const (
	userAgent       = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	referer         = "https://claude.ai/"
	pageLimit       = 50
	incrementalBack = 24 * time.Hour
)

// CookieSource supplies the provider session cookie on demand; the cookie
// extractor implements this, returning "" when no cookie is available.
type CookieSource interface {
	Cookie(ctx context.Context) string
}

// Client is the conversation-provider HTTPS client. All requests wait on a
// shared rate limiter; the limiter is the only resource a Client's callers
// contend over.
type Client struct {
	httpClient *http.Client
	baseURL    string
	cookies    CookieSource
	store      store.Store
	limiter    *rate.Limiter

	mu    sync.Mutex
	orgID string
}

// NewClient constructs a client against baseURL (e.g. "https://claude.ai")
// rate-limited to 5 requests/second with a burst of 5.
func NewClient(baseURL string, cookies CookieSource, st store.Store) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		cookies:    cookies,
		store:      st,
		limiter:    rate.NewLimiter(rate.Limit(5), 5),
	}
}

type organization struct {
	UUID string `json:"uuid"`
}

type conversationMeta struct {
	UUID      string    `json:"uuid"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type chatMessage struct {
	UUID      string    `json:"uuid"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

type conversationDetail struct {
	conversationMeta
	ChatMessages []chatMessage `json:"chat_messages"`
}

func (c *Client) do(ctx context.Context, method, path string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	cookie := ""
	if c.cookies != nil {
		cookie = c.cookies.Cookie(ctx)
	}
	// Provider accepts the session token under either header; send both.
	req.Header.Set("Cookie", "sessionKey="+cookie)
	req.Header.Set("X-Session-Cookie", cookie)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Referer", referer)

	return c.httpClient.Do(req)
}

// resolveOrgID resolves and caches the working organization id for the client's
// lifetime.
func (c *Client) resolveOrgID(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.orgID != "" {
		defer c.mu.Unlock()
		return c.orgID, nil
	}
	c.mu.Unlock()

	resp, err := c.do(ctx, http.MethodGet, "/api/organizations")
	if err != nil {
		return "", fmt.Errorf("%w: list organizations: %v", ErrTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: list organizations status %d", ErrTransient, resp.StatusCode)
	}

	var orgs []organization
	if err := json.NewDecoder(resp.Body).Decode(&orgs); err != nil {
		return "", fmt.Errorf("%w: decode organizations: %v", ErrTransient, err)
	}
	if len(orgs) == 0 {
		return "", fmt.Errorf("%w: no organizations available", ErrTransient)
	}

	c.mu.Lock()
	c.orgID = orgs[0].UUID
	c.mu.Unlock()
	return orgs[0].UUID, nil
}

func (c *Client) listPage(ctx context.Context, orgID string, offset int) ([]conversationMeta, error) {
	path := fmt.Sprintf("/api/organizations/%s/chat_conversations?limit=%d&offset=%d", orgID, pageLimit, offset)
	resp, err := c.do(ctx, http.MethodGet, path)
	if err != nil {
		return nil, fmt.Errorf("%w: list conversations: %v", ErrTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: list conversations status %d", ErrTransient, resp.StatusCode)
	}

	var page []conversationMeta
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("%w: decode conversation page: %v", ErrTransient, err)
	}
	return page, nil
}

func (c *Client) fetchConversation(ctx context.Context, orgID, uuid string) (*conversationDetail, error) {
	path := fmt.Sprintf("/api/organizations/%s/chat_conversations/%s", orgID, uuid)
	resp, err := c.do(ctx, http.MethodGet, path)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch conversation %s: %v", ErrTransient, uuid, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: fetch conversation %s status %d", ErrTransient, uuid, resp.StatusCode)
	}

	var detail conversationDetail
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		return nil, fmt.Errorf("%w: decode conversation %s: %v", ErrTransient, uuid, err)
	}
	return &detail, nil
}

// ingest upserts one fetched conversation and its messages into the store.
func (c *Client) ingest(ctx context.Context, d *conversationDetail) error {
	sess := &model.Session{
		Source:       model.SourceClaudeChat,
		ExternalID:   d.UUID,
		Title:        d.Name,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
		MessageCount: len(d.ChatMessages),
	}
	sessionID, err := c.store.UpsertSession(ctx, sess)
	if err != nil {
		return fmt.Errorf("%w: upsert session %s: %v", ErrStorage, d.UUID, err)
	}

	msgs := make([]*model.Message, 0, len(d.ChatMessages))
	for _, m := range d.ChatMessages {
		role := "assistant"
		if m.Sender == "human" {
			role = "user"
		}
		msgs = append(msgs, &model.Message{
			Role:      role,
			Content:   m.Text,
			CreatedAt: m.CreatedAt,
		})
	}
	if err := c.store.UpsertMessages(ctx, sessionID, msgs); err != nil {
		return fmt.Errorf("%w: upsert messages for %s: %v", ErrStorage, d.UUID, err)
	}
	return nil
}

// BulkSync iterates every conversation the organization has.
func (c *Client) BulkSync(ctx context.Context) (int, error) {
	return c.syncListing(ctx, nil)
}

// IncrementalSync iterates the paginated listing and stops at the first
// metadata row whose updated_at precedes the cutoff (default 24h ago).
func (c *Client) IncrementalSync(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-incrementalBack)
	return c.syncListing(ctx, &cutoff)
}

func (c *Client) syncListing(ctx context.Context, cutoff *time.Time) (int, error) {
	orgID, err := c.resolveOrgID(ctx)
	if err != nil {
		return 0, err
	}

	synced := 0
	for offset := 0; ; offset += pageLimit {
		page, err := c.listPage(ctx, orgID, offset)
		if err != nil {
			return synced, err
		}
		if len(page) == 0 {
			break
		}

		for _, meta := range page {
			if cutoff != nil && meta.UpdatedAt.Before(*cutoff) {
				return synced, nil
			}
			detail, err := c.fetchConversation(ctx, orgID, meta.UUID)
			if err != nil {
				continue // transient: skip this conversation, retry next pass
			}
			if err := c.ingest(ctx, detail); err != nil {
				continue
			}
			synced++
		}

		if len(page) < pageLimit {
			break
		}
	}
	return synced, nil
}

// TargetedSync fetches exactly the given conversation UUIDs.
func (c *Client) TargetedSync(ctx context.Context, uuids []string) (int, error) {
	orgID, err := c.resolveOrgID(ctx)
	if err != nil {
		return 0, err
	}

	synced := 0
	for _, uuid := range uuids {
		detail, err := c.fetchConversation(ctx, orgID, uuid)
		if err != nil {
			continue
		}
		if err := c.ingest(ctx, detail); err != nil {
			continue
		}
		synced++
	}
	return synced, nil
}

var (
	// ErrTransient marks a non-2xx or network failure against the cloud
	// provider: log-warn and let the next pass retry.
	ErrTransient = fmt.Errorf("remoteapi: transient remote error")
	// ErrStorage marks a local statement/constraint failure that must
	// propagate out of the enclosing batch.
	ErrStorage = fmt.Errorf("remoteapi: storage error")
)
