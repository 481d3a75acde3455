// Package sessionlog implements the session-log watcher: an incremental
// JSONL tail over a local coding assistant's session directory tree,
// extracting both legacy message text and structured observations from
// each event line.
package sessionlog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jasonberkes/ses-local/internal/model"
	"github.com/jasonberkes/ses-local/internal/store"
)

// Watcher tails append-only JSONL session files under Root.
type Watcher struct {
	Root          string
	PositionsPath string
	PollInterval  time.Duration
	Store         store.Store

	positions *positionStore
	mu        sync.Mutex // serializes concurrent processFile calls for the same tree
}

func New(root, positionsPath string, pollInterval time.Duration, st store.Store) *Watcher {
	return &Watcher{
		Root:          root,
		PositionsPath: positionsPath,
		PollInterval:  pollInterval,
		Store:         st,
	}
}

// Run blocks until ctx is cancelled. Gating (EnableClaudeCodeSync) is the
// caller's responsibility: when disabled, Run is simply never started.
func (w *Watcher) Run(ctx context.Context) error {
	positions, err := loadPositions(w.PositionsPath)
	if err != nil {
		return fmt.Errorf("load watcher positions: %w", err)
	}
	w.positions = positions

	if err := os.MkdirAll(w.Root, 0o755); err != nil {
		slog.Info("session-log watcher: root unavailable, idling", "root", w.Root, "error", err)
		<-ctx.Done()
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("session-log watcher: fsnotify unavailable, falling back to polling only", "error", err)
	} else {
		defer fsw.Close()
		if err := w.watchRecursive(fsw, w.Root); err != nil {
			slog.Warn("session-log watcher: recursive watch setup failed", "error", err)
		}
	}

	w.scanAll()

	interval := w.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if fsw != nil {
		events = fsw.Events
		errs = fsw.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.scanAll()
		case evt, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if evt.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			info, err := os.Stat(evt.Name)
			if err == nil && info.IsDir() {
				if fsw != nil {
					_ = w.watchRecursive(fsw, evt.Name)
				}
				continue
			}
			if strings.HasSuffix(evt.Name, ".jsonl") {
				if err := w.processFile(evt.Name); err != nil {
					slog.Warn("session-log watcher: process file failed", "file", evt.Name, "error", err)
				}
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			slog.Warn("session-log watcher: fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) watchRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		return fsw.Add(path)
	})
}

// scanAll walks the tree and processes every *.jsonl file found, as the
// periodic belt-and-braces fallback for missed filesystem events.
func (w *Watcher) scanAll() {
	_ = filepath.WalkDir(w.Root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(path, ".jsonl") {
			return nil
		}
		if err := w.processFile(path); err != nil {
			slog.Warn("session-log watcher: process file failed", "file", path, "error", err)
		}
		return nil
	})
}

// rawLine is one JSONL event.
type rawLine struct {
	Type      string     `json:"type"`
	Message   rawMessage `json:"message"`
	Timestamp time.Time  `json:"timestamp"`
	CWD       string     `json:"cwd"`
}

type rawMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Usage   *rawUsage       `json:"usage"`
}

type rawUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type rawBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
}

// processFile performs one full line pass over a session file: it reads
// from the stored offset to EOF, builds the session/messages/observations
// for every complete line, then commits them and advances the offset only
// on success.
func (w *Watcher) processFile(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	offset := w.positions.get(path)
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() <= offset {
		return nil // nothing new
	}

	if _, err := f.Seek(offset, 0); err != nil {
		return fmt.Errorf("seek %s: %w", path, err)
	}

	pass := newIngestPass(path)
	if existing, err := w.Store.GetSessionByExternalID(context.Background(), model.SourceClaudeCode, pass.stem); err == nil && existing != nil {
		// A later restart-pass may start mid-file with no cwd-carrying
		// line of its own; preserve the title/creation time already on
		// record instead of clobbering them with stem-only defaults.
		pass.existingTitle = existing.Title
		pass.existingCreatedAt = &existing.CreatedAt
	}
	reader := bufio.NewReader(f)
	consumed := offset

	for {
		line, err := reader.ReadBytes('\n')
		if err == nil {
			consumed += int64(len(line))
			pass.handleLine(bytes.TrimRight(line, "\n\r"))
			continue
		}
		// err != nil: either EOF or a read failure. Either way, a line
		// with no trailing newline is a partial write in progress; it is
		// left unconsumed so the next pass picks it up complete.
		break
	}

	if pass.session == nil {
		// No "user"/"assistant" lines seen this pass (e.g. file contains
		// only system/meta events so far); still advance the offset past
		// whatever was consumed so we never re-scan dead bytes.
		return w.positions.set(path, consumed)
	}

	if err := w.commit(pass); err != nil {
		return err // offset is NOT advanced; next pass retries from here
	}

	return w.positions.set(path, consumed)
}

func (w *Watcher) commit(pass *ingestPass) error {
	ctx := context.Background()

	sessionID, err := w.Store.UpsertSession(ctx, pass.session)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	for _, m := range pass.messages {
		m.SessionID = sessionID
	}
	if err := w.Store.UpsertMessages(ctx, sessionID, pass.messages); err != nil {
		return fmt.Errorf("upsert messages: %w", err)
	}

	// Continue sequence numbers from the session's existing high-water
	// mark so repeated passes over the same file, and later passes over
	// new appended lines, never collide with already-stored sequence
	// numbers (invariant: sequence_number strictly increases in ingest
	// order across the whole session, not just within one pass).
	existing, err := w.Store.GetObservations(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load existing observations: %w", err)
	}
	base := 0
	for _, o := range existing {
		if o.SequenceNumber >= base {
			base = o.SequenceNumber + 1
		}
	}
	for _, o := range pass.observations {
		o.SessionID = sessionID
		o.SequenceNumber += base
	}

	if len(pass.observations) > 0 {
		if err := w.Store.UpsertObservations(ctx, sessionID, pass.observations); err != nil {
			return fmt.Errorf("upsert observations: %w", err)
		}
	}

	links := pass.resolveParentLinks(sessionID, base, w.Store)
	if len(links) > 0 {
		if err := w.Store.UpdateObservationParents(ctx, links); err != nil {
			return fmt.Errorf("link observation parents: %w", err)
		}
	}

	return nil
}

// ingestPass accumulates one file-processing pass's output before it is
// committed to the store as a unit.
type ingestPass struct {
	path         string
	stem         string
	session      *model.Session
	messages     []*model.Message
	observations []*model.Observation
	nextSeq      int

	// blockIDToSeq maps a tool_use block's source-supplied id to the
	// sequence number of the observation it produced, so a later
	// tool_result in the same pass can resolve its parent. Links never
	// cross passes.
	blockIDToSeq map[string]int
	// pendingParents maps a child observation's sequence number to the
	// tool_use_id it references, resolved once ids are known.
	pendingParents map[int]string

	// existingTitle/existingCreatedAt seed a session already on record, so a
	// pass that starts mid-file (no cwd-carrying line of its own) does not
	// clobber metadata set by an earlier pass.
	existingTitle     string
	existingCreatedAt *time.Time
}

func newIngestPass(path string) *ingestPass {
	stem := strings.TrimSuffix(filepath.Base(path), ".jsonl")
	return &ingestPass{
		path:           path,
		stem:           stem,
		blockIDToSeq:   make(map[string]int),
		pendingParents: make(map[int]string),
	}
}

func (p *ingestPass) handleLine(line []byte) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}

	var raw rawLine
	if err := json.Unmarshal(line, &raw); err != nil {
		slog.Debug("session-log watcher: malformed line, skipping", "file", p.path, "error", err)
		return
	}

	if raw.Type != "user" && raw.Type != "assistant" {
		return
	}

	if p.session == nil {
		// Only the first user/assistant line defines session metadata;
		// later lines only extend updated_at.
		p.session = p.newSession(raw)
	}
	if raw.Timestamp.After(p.session.UpdatedAt) {
		p.session.UpdatedAt = raw.Timestamp
	}

	var asString string
	if err := json.Unmarshal(raw.Message.Content, &asString); err == nil {
		// Plain-string content: a single legacy message only, no observations.
		p.messages = append(p.messages, &model.Message{
			Role:      raw.Message.Role,
			Content:   asString,
			CreatedAt: raw.Timestamp,
		})
		p.session.MessageCount++
		return
	}

	var blocks []rawBlock
	if err := json.Unmarshal(raw.Message.Content, &blocks); err != nil {
		slog.Debug("session-log watcher: unrecognized content shape, skipping line", "file", p.path, "error", err)
		return
	}

	legacyText := p.assembleLegacyText(blocks)
	tokenCount := tokenCountFromUsage(raw.Message.Usage)
	p.messages = append(p.messages, &model.Message{
		Role:       raw.Message.Role,
		Content:    legacyText,
		CreatedAt:  raw.Timestamp,
		TokenCount: tokenCount,
	})
	p.session.MessageCount++

	for _, b := range blocks {
		p.handleBlock(b, raw.Timestamp)
	}
}

func (p *ingestPass) newSession(raw rawLine) *model.Session {
	title := p.stem
	createdAt := raw.Timestamp
	switch {
	case p.existingTitle != "":
		title = p.existingTitle
		if p.existingCreatedAt != nil {
			createdAt = *p.existingCreatedAt
		}
	case raw.CWD != "":
		title = deriveTitle(p.path, p.stem, raw.CWD)
	}
	return &model.Session{
		Source:     model.SourceClaudeCode,
		ExternalID: p.stem,
		Title:      title,
		CreatedAt:  createdAt,
		UpdatedAt:  raw.Timestamp,
	}
}

func deriveTitle(path, stem, cwd string) string {
	base := filepath.Base(cwd)
	prefix := stem
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	title := base + "/" + prefix
	if isSubagentPath(path) {
		title = "[subagent] " + title
	}
	return title
}

func isSubagentPath(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == "subagents" {
			return true
		}
	}
	return false
}

// assembleLegacyText concatenates text, tool_use, tool_result, and thinking
// blocks into a single text representation.
func (p *ingestPass) assembleLegacyText(blocks []rawBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "tool_use":
			parts = append(parts, fmt.Sprintf("[tool_use:%s] %s", b.Name, string(b.Input)))
		case "tool_result":
			parts = append(parts, fmt.Sprintf("[tool_result] %s", contentAsText(b.Content)))
		case "thinking":
			parts = append(parts, fmt.Sprintf("[thinking] %s", b.Text))
		}
	}
	return strings.Join(parts, "\n")
}

func contentAsText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func tokenCountFromUsage(u *rawUsage) *int {
	if u == nil {
		return nil
	}
	total := u.InputTokens + u.OutputTokens
	return &total
}

// handleBlock produces one observation per content block, classified by
// type, and records scratch-map entries for same-pass parent linking.
func (p *ingestPass) handleBlock(b rawBlock, createdAt time.Time) {
	seq := p.nextSeq
	p.nextSeq++

	var obs *model.Observation
	switch b.Type {
	case "tool_use":
		var input map[string]any
		_ = json.Unmarshal(b.Input, &input)
		command, _ := input["command"].(string)
		obsType := model.ClassifyToolUse(b.Name, command)
		filePath := extractFilePath(input)
		toolName := b.Name
		obs = &model.Observation{
			ObservationType: obsType,
			ToolName:        &toolName,
			FilePath:        filePath,
			Content:         string(b.Input),
			SequenceNumber:  seq,
			CreatedAt:       createdAt,
		}
		if b.ID != "" {
			p.blockIDToSeq[b.ID] = seq
		}
	case "tool_result":
		content := contentAsText(b.Content)
		obsType := model.ClassifyToolResult(content)
		obs = &model.Observation{
			ObservationType: obsType,
			Content:         content,
			SequenceNumber:  seq,
			CreatedAt:       createdAt,
		}
		if b.ToolUseID != "" {
			p.pendingParents[seq] = b.ToolUseID
		}
	case "thinking":
		obs = &model.Observation{
			ObservationType: model.ObservationThinking,
			Content:         b.Text,
			SequenceNumber:  seq,
			CreatedAt:       createdAt,
		}
	case "text":
		obs = &model.Observation{
			ObservationType: model.ObservationText,
			Content:         b.Text,
			SequenceNumber:  seq,
			CreatedAt:       createdAt,
		}
	default:
		p.nextSeq-- // not a recognized block type; don't burn a sequence number
		return
	}

	p.observations = append(p.observations, obs)
}

func extractFilePath(input map[string]any) *string {
	for _, key := range []string{"path", "file_path", "filename"} {
		if v, ok := input[key].(string); ok {
			return &v
		}
	}
	return nil
}

// resolveParentLinks translates this pass's block-id scratch map into
// assigned observation row ids, querying the store for the ids just
// assigned to this pass's sequence numbers. A tool_result whose tool_use_id
// was not seen in this same pass stays unresolved; parent linking never
// crosses batches.
func (p *ingestPass) resolveParentLinks(sessionID int64, base int, st store.Store) map[int64]int64 {
	if len(p.pendingParents) == 0 {
		return nil
	}

	all, err := st.GetObservations(context.Background(), sessionID)
	if err != nil {
		slog.Warn("session-log watcher: failed to reload observations for parent linking", "error", err)
		return nil
	}

	seqToID := make(map[int]int64, len(all))
	for _, o := range all {
		seqToID[o.SequenceNumber] = o.ID
	}

	links := make(map[int64]int64)
	for childSeq, toolUseID := range p.pendingParents {
		parentSeq, ok := p.blockIDToSeq[toolUseID]
		if !ok {
			continue // crosses batches; stays NULL
		}
		childID, ok1 := seqToID[childSeq+base]
		parentID, ok2 := seqToID[parentSeq+base]
		if !ok1 || !ok2 {
			continue
		}
		links[childID] = parentID
	}
	return links
}
