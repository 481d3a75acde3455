// Package model defines the conversation data shapes shared by every
// ingestion source and by the local store.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Source identifies which assistant surface produced a conversation.
type Source string

const (
	SourceClaudeChat Source = "ClaudeChat"
	SourceClaudeCode Source = "ClaudeCode"
	SourceCowork     Source = "Cowork"
	SourceChatGPT    Source = "ChatGpt"
)

// ObservationType classifies one structured content block.
type ObservationType string

const (
	ObservationToolUse    ObservationType = "ToolUse"
	ObservationToolResult ObservationType = "ToolResult"
	ObservationText       ObservationType = "Text"
	ObservationThinking   ObservationType = "Thinking"
	ObservationGitCommit  ObservationType = "GitCommit"
	ObservationTestResult ObservationType = "TestResult"
	ObservationError      ObservationType = "Error"
)

// Session is one conversation from any source.
type Session struct {
	ID          int64
	Source      Source
	ExternalID  string
	Title       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	SyncedAt    *time.Time
	ContentHash string
	// MessageCount is not persisted on the row; it feeds ContentHash and is
	// recomputed by callers from the message set being upserted alongside.
	MessageCount int
}

// Message is one user/assistant turn.
type Message struct {
	ID         int64
	SessionID  int64
	Role       string // "user" | "assistant"
	Content    string
	CreatedAt  time.Time
	TokenCount *int
}

// Observation is one structured event extracted from a single content block.
type Observation struct {
	ID                  int64
	SessionID           int64
	ObservationType     ObservationType
	ToolName            *string
	FilePath            *string
	Content             string
	TokenCount          *int
	SequenceNumber      int
	ParentObservationID *int64
	CreatedAt           time.Time

	// SourceBlockID is the source-supplied block id (tool_use "id" or
	// tool_result "tool_use_id"). Neither field is persisted, and the
	// session-log watcher does not set them: it resolves parent links from
	// its own per-pass maps. Parent linking never crosses batches.
	SourceBlockID  string
	ParentBlockRef string
}

// LedgerEntry tracks cloud delivery status for one session.
type LedgerEntry struct {
	Source       Source
	ExternalID   string
	LastSyncedAt time.Time
	DocServiceID *string
	MemorySynced bool
}

// ContentHash computes a 16-hex-char uppercase fingerprint: SHA-256 of
// "{external_id}:{updated_at:O}:{message_count}", truncated to 16 hex chars.
func ContentHash(externalID string, updatedAt time.Time, messageCount int) string {
	payload := fmt.Sprintf("%s:%s:%d", externalID, updatedAt.UTC().Format(time.RFC3339Nano), messageCount)
	sum := sha256.Sum256([]byte(payload))
	return strings.ToUpper(hex.EncodeToString(sum[:])[:16])
}

// IsPendingSync reports whether a session qualifies as pending:
// synced_at IS NULL OR updated_at > synced_at.
func (s *Session) IsPendingSync() bool {
	return s.SyncedAt == nil || s.UpdatedAt.After(*s.SyncedAt)
}

// ClassifyToolUse classifies a tool_use block. Matching is ordinal,
// case-insensitive substring containment.
func ClassifyToolUse(toolName, command string) ObservationType {
	if strings.EqualFold(toolName, "Bash") {
		lc := strings.ToLower(command)
		if strings.Contains(lc, "git commit") {
			return ObservationGitCommit
		}
		for _, marker := range []string{"dotnet test", "npm test", "pytest", "yarn test"} {
			if strings.Contains(lc, marker) {
				return ObservationTestResult
			}
		}
	}
	return ObservationToolUse
}

// ClassifyToolResult classifies a tool_result block.
func ClassifyToolResult(content string) ObservationType {
	lc := strings.ToLower(content)
	for _, marker := range []string{"error", "exception", "failed"} {
		if strings.Contains(lc, marker) {
			return ObservationError
		}
	}
	return ObservationToolResult
}
