// Package streamparser tolerantly extracts a progressively updated record
// from the agent CLI's stream-JSON stdout. The schema is not
// contractually stable, so this is an extractor layer over loosely typed
// JSON rather than a set of generated struct types).
package streamparser

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PermissionDenial captures one parsed permission-denial event, pending
// operator approval.
type PermissionDenial struct {
	ActionClass string
	Description string
}

// Action classes, mirrored from storage so callers can compare without an
// import cycle; storage is the source of truth for the constant strings.
const (
	ActionFileDelete      = "file_delete"
	ActionGitPush         = "git_push"
	ActionGitForce        = "git_force"
	ActionDestructiveCmd  = "destructive_cmd"
	ActionExternalRequest = "external_request"
	ActionInstallPackage  = "install_package"
	ActionUnknown         = "unknown"
)

const maxToolSummaryLen = 200
const maxDescriptionLen = 300

// Record is the progressively updated extraction result. It is a plain
// value: each line produces a new Record via Consume, never mutates one
// shared across goroutines.
type Record struct {
	Text              strings.Builder
	ToolSummaries     []string
	SessionRef        string
	TokensUsed        int
	HasTokensUsed     bool
	PermissionDenial  *PermissionDenial
	ParseWarnings     int
	FirstFailingLine  string
	LineCount         int
}

// clone produces an independent copy so Consume never mutates its input.
func (r Record) clone() Record {
	next := r
	next.Text = strings.Builder{}
	next.Text.WriteString(r.Text.String())
	next.ToolSummaries = append([]string(nil), r.ToolSummaries...)
	if r.PermissionDenial != nil {
		d := *r.PermissionDenial
		next.PermissionDenial = &d
	}
	return next
}

// AssistantText returns the accumulated assistant-visible text.
func (r *Record) AssistantText() string {
	return r.Text.String()
}

// Consume parses one line of stream-JSON and returns the next record. A
// malformed line increments ParseWarnings and records the first failure
// for the schema-drift audit entry; it never aborts
// the stream.
func Consume(prev Record, line string) Record {
	next := prev.clone()
	next.LineCount++

	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return next
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		next.ParseWarnings++
		if next.FirstFailingLine == "" {
			next.FirstFailingLine = truncate(trimmed, 300)
		}
		return next
	}

	if text := extractText(obj); text != "" {
		if next.Text.Len() > 0 {
			next.Text.WriteString("\n")
		}
		next.Text.WriteString(text)
	}

	if summary := extractToolSummary(obj); summary != "" {
		next.ToolSummaries = append(next.ToolSummaries, summary)
	}

	if next.SessionRef == "" {
		if ref := extractSessionRef(obj); ref != "" {
			next.SessionRef = ref
		}
	}

	if tokens, ok := extractTokens(obj); ok {
		next.TokensUsed = tokens
		next.HasTokensUsed = true
	}

	if next.PermissionDenial == nil {
		if d := detectPermissionDenial(obj); d != nil {
			next.PermissionDenial = d
		}
	}

	return next
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// extractText pulls human-readable assistant
// text out of whichever shape this particular line happens to use.
func extractText(obj map[string]any) string {
	if role, ok := asString(obj["role"]); ok && role == "assistant" {
		if t := textFromContentField(obj); t != "" {
			return t
		}
	}
	if typ, ok := asString(obj["type"]); ok && strings.HasPrefix(typ, "assistant") {
		if t := textFromContentField(obj); t != "" {
			return t
		}
	}
	if result, ok := asString(obj["result"]); ok && result != "" {
		return result
	}
	return textFromContentField(obj)
}

func textFromContentField(obj map[string]any) string {
	if t, ok := asString(obj["text"]); ok && t != "" {
		return t
	}
	switch content := obj["content"].(type) {
	case string:
		return content
	case []any:
		var parts []string
		for _, item := range content {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if typ, _ := asString(m["type"]); typ == "text" || typ == "" {
				if t, ok := asString(m["text"]); ok && t != "" {
					parts = append(parts, t)
				}
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// extractToolSummary renders "{tool}: {one-line summary}" for any
// object carrying a tool name, truncated.
func extractToolSummary(obj map[string]any) string {
	var tool string
	for _, key := range []string{"tool_name", "toolName", "name"} {
		if v, ok := asString(obj[key]); ok && v != "" {
			tool = v
			break
		}
	}
	if tool == "" {
		return ""
	}
	summary := summaryLine(obj)
	return truncate(fmt.Sprintf("%s: %s", tool, summary), maxToolSummaryLen)
}

func summaryLine(obj map[string]any) string {
	for _, key := range []string{"input", "description", "text", "summary"} {
		v, ok := obj[key]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case string:
			if val != "" {
				return oneLine(val)
			}
		default:
			b, err := json.Marshal(val)
			if err == nil {
				return oneLine(string(b))
			}
		}
	}
	return "(no detail)"
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.Join(strings.Fields(s), " ")
}

// extractSessionRef finds the session reference; first occurrence wins,
// so the caller never overwrites a once-seen ref.
func extractSessionRef(obj map[string]any) string {
	for _, key := range []string{"session_id", "conversation_id"} {
		if v, ok := asString(obj[key]); ok && v != "" {
			return v
		}
	}
	return ""
}

// extractTokens reads the cumulative usage total when present.
func extractTokens(obj map[string]any) (int, bool) {
	usage, ok := obj["usage"].(map[string]any)
	if !ok {
		return 0, false
	}
	total, ok := usage["total_tokens"]
	if !ok {
		return 0, false
	}
	switch v := total.(type) {
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}

// detectPermissionDenial is a conservative, keyword-based classifier.
// If the agent CLI ever emits a structured permission event, prefer it
// by branching here before the keyword scan.
func detectPermissionDenial(obj map[string]any) *PermissionDenial {
	haystack := strings.ToLower(flattenForDetection(obj))
	if !strings.Contains(haystack, "permission") && !strings.Contains(haystack, "denied") {
		return nil
	}
	return &PermissionDenial{
		ActionClass: classifyActionClass(haystack),
		Description: truncate(oneLine(flattenForDetection(obj)), maxDescriptionLen),
	}
}

func flattenForDetection(obj map[string]any) string {
	var parts []string
	for _, key := range []string{"type", "text", "result", "description", "reason"} {
		if v, ok := asString(obj[key]); ok && v != "" {
			parts = append(parts, v)
		}
	}
	if t := textFromContentField(obj); t != "" {
		parts = append(parts, t)
	}
	return strings.Join(parts, " ")
}

func classifyActionClass(haystack string) string {
	switch {
	case strings.Contains(haystack, "delete") || strings.Contains(haystack, "rm "):
		return ActionFileDelete
	case strings.Contains(haystack, "git push"):
		return ActionGitPush
	case strings.Contains(haystack, "force") || strings.Contains(haystack, "reset"):
		return ActionGitForce
	case strings.Contains(haystack, "rm -rf") || strings.Contains(haystack, "drop table"):
		return ActionDestructiveCmd
	case strings.Contains(haystack, "pip install") || strings.Contains(haystack, "npm install"):
		return ActionInstallPackage
	case strings.Contains(haystack, "http") || strings.Contains(haystack, "api"):
		return ActionExternalRequest
	default:
		return ActionUnknown
	}
}
