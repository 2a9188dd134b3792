package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/toolgw/gateway/internal/domain/entity"
	gwerrors "github.com/toolgw/gateway/pkg/errors"
)

const defaultResultExcerptLimit = 500

// ActionLog is the append-only audit trail for one agent session: every
// analysis, tool call, synthesis, and error becomes one entity.AgentAction
// (spec.md §4.5 step 4, §6).
type ActionLog struct {
	sessionID string
	dir       string
	nowFn     func() time.Time

	mu      sync.Mutex
	actions []entity.AgentAction
}

// NewActionLog builds a log that will write its session files under dir.
func NewActionLog(sessionID, dir string) *ActionLog {
	return &ActionLog{sessionID: sessionID, dir: dir, nowFn: time.Now}
}

// Append records one action, truncating any result excerpt to
// defaultResultExcerptLimit (500) bytes.
func (l *ActionLog) Append(kind entity.ActionKind, server, tool, purpose string, params map[string]interface{}, resultExcerpt string, success bool, durationMS int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.actions = append(l.actions, entity.AgentAction{
		Timestamp:     l.nowFn(),
		Kind:          kind,
		Server:        server,
		Tool:          tool,
		Purpose:       purpose,
		Parameters:    params,
		ResultExcerpt: truncate(resultExcerpt, defaultResultExcerptLimit),
		Success:       success,
		DurationMS:    durationMS,
	})
}

// Snapshot returns a copy of the actions recorded so far.
func (l *ActionLog) Snapshot() []entity.AgentAction {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]entity.AgentAction, len(l.actions))
	copy(out, l.actions)
	return out
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}

// Persist writes both session artifacts spec.md §6 names: a JSON array at
// session_<id>_<timestamp>.json and a human-readable report at
// report_session_<id>_<timestamp>.txt. Both are written atomically
// (temp file + rename) so a crash mid-write never leaves a truncated file
// at the final path.
func (l *ActionLog) Persist() error {
	actions := l.Snapshot()
	stamp := l.nowFn().Format("20060102_150405")
	shortID := l.sessionID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return gwerrors.Wrap(gwerrors.KindInternal, "failed to create session log directory", err)
	}

	jsonPath := filepath.Join(l.dir, fmt.Sprintf("session_%s_%s.json", shortID, stamp))
	if err := writeAtomic(jsonPath, mustMarshalActions(actions)); err != nil {
		return err
	}

	reportPath := filepath.Join(l.dir, fmt.Sprintf("report_session_%s_%s.txt", shortID, stamp))
	if err := writeAtomic(reportPath, []byte(renderReport(l.sessionID, actions))); err != nil {
		return err
	}
	return nil
}

func mustMarshalActions(actions []entity.AgentAction) []byte {
	data, err := json.MarshalIndent(actions, "", "  ")
	if err != nil {
		return []byte("[]")
	}
	return data
}

func renderReport(sessionID string, actions []entity.AgentAction) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session %s\n", sessionID)
	fmt.Fprintf(&b, "%d recorded actions\n\n", len(actions))
	for i, a := range actions {
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, a.Timestamp.Format(time.RFC3339), a.Kind)
		if a.Server != "" {
			fmt.Fprintf(&b, "   server=%s tool=%s purpose=%s\n", a.Server, a.Tool, a.Purpose)
		}
		fmt.Fprintf(&b, "   success=%v duration_ms=%d\n", a.Success, a.DurationMS)
		if a.ResultExcerpt != "" {
			fmt.Fprintf(&b, "   result: %s\n", a.ResultExcerpt)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return gwerrors.Wrap(gwerrors.KindInternal, "failed to write temp file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return gwerrors.Wrap(gwerrors.KindInternal, "failed to rename temp file into place", err)
	}
	return nil
}
