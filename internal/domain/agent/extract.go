package agent

import (
	"encoding/json"
	"regexp"
	"strings"

	gwerrors "github.com/toolgw/gateway/pkg/errors"
)

// analysisPayload is the JSON shape the Analyze step's LLM call is
// instructed to produce (spec.md §4.5 step 1).
type analysisPayload struct {
	NeedsTools bool              `json:"needs_tools"`
	ToolCalls  []toolCallPayload `json:"tool_calls"`
	Reasoning  string            `json:"reasoning"`
}

type toolCallPayload struct {
	Server     string                 `json:"server"`
	Tool       string                 `json:"tool"`
	Parameters map[string]interface{} `json:"parameters"`
	Purpose    string                 `json:"purpose"`
}

var fencedJSONBlock = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)```")

// extractAnalysis tries three strategies in order to recover the
// structured analysis payload from raw LLM output: a direct parse, a
// fenced ```json code block, and a brace-depth scan from the first '{'.
// Returning a zero-value, needs_tools=false result on total failure is the
// caller's responsibility — this function just reports whether it found
// anything parseable.
func extractAnalysis(raw string) (analysisPayload, error) {
	if p, err := parseDirect(raw); err == nil {
		return p, nil
	}
	if p, err := parseFenced(raw); err == nil {
		return p, nil
	}
	if p, err := parseBracketScan(raw); err == nil {
		return p, nil
	}
	return analysisPayload{}, gwerrors.New(gwerrors.KindProtocol, "could not extract a JSON analysis payload from the model's response")
}

func parseDirect(raw string) (analysisPayload, error) {
	var p analysisPayload
	trimmed := strings.TrimSpace(raw)
	if err := json.Unmarshal([]byte(trimmed), &p); err != nil {
		return analysisPayload{}, err
	}
	return p, nil
}

func parseFenced(raw string) (analysisPayload, error) {
	match := fencedJSONBlock.FindStringSubmatch(raw)
	if match == nil {
		return analysisPayload{}, gwerrors.New(gwerrors.KindProtocol, "no fenced code block found")
	}
	var p analysisPayload
	if err := json.Unmarshal([]byte(strings.TrimSpace(match[1])), &p); err != nil {
		return analysisPayload{}, err
	}
	return p, nil
}

// parseBracketScan finds the first '{' and walks forward tracking brace
// depth (ignoring braces inside string literals) to find the matching
// close, then parses that substring. This recovers payloads the model
// wrapped in prose before or after the JSON object.
func parseBracketScan(raw string) (analysisPayload, error) {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return analysisPayload{}, gwerrors.New(gwerrors.KindProtocol, "no '{' found in response")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
			// inside a string literal, braces don't count
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				candidate := raw[start : i+1]
				var p analysisPayload
				if err := json.Unmarshal([]byte(candidate), &p); err != nil {
					return analysisPayload{}, err
				}
				return p, nil
			}
		}
	}
	return analysisPayload{}, gwerrors.New(gwerrors.KindProtocol, "unbalanced braces in response")
}
