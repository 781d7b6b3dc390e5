// Package oracle defines the decision transport the supervisor consults when
// an agent session blocks or finishes a turn, and the parser for the JSON
// decision shape oracles reply with. The transport is swappable: production
// uses a subprocess CLI, tests use a scripted mock.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zhubert/shepherd/internal/errors"
)

// Actions an oracle may choose.
const (
	ActionRespond  = "respond"
	ActionEscalate = "escalate"
	ActionComplete = "complete"
)

// Client produces raw decision text for a prompt. Implementations must
// honor context cancellation; the supervisor applies its own timeout.
type Client interface {
	Decide(ctx context.Context, prompt string) (string, error)
}

// Decision is the wire shape oracles reply with. Exactly one action is set;
// respond carries either free text or a key sequence.
type Decision struct {
	Action    string   `json:"action"`
	Response  string   `json:"response,omitempty"`
	UseKeys   bool     `json:"useKeys,omitempty"`
	Keys      []string `json:"keys,omitempty"`
	Reasoning string   `json:"reasoning,omitempty"`
}

// ParseDecision extracts and validates a decision from raw oracle output.
// Oracles often wrap the JSON in prose or markdown fences, so the first
// balanced JSON object found anywhere in the text is used. A raw reply with
// no object, unknown action, or a respond action carrying nothing to send
// returns a parse error; callers translate that into a forced escalation
// or completion rather than crashing the session.
func ParseDecision(raw string) (Decision, error) {
	var d Decision

	obj, ok := extractJSONObject(raw)
	if !ok {
		return d, errors.OracleParse(raw, fmt.Errorf("no JSON object in reply"))
	}
	if err := json.Unmarshal([]byte(obj), &d); err != nil {
		return d, errors.OracleParse(raw, err)
	}

	switch d.Action {
	case ActionRespond:
		if d.UseKeys {
			if len(d.Keys) == 0 {
				return d, errors.OracleParse(raw, fmt.Errorf("respond with useKeys but no keys"))
			}
		} else if strings.TrimSpace(d.Response) == "" {
			return d, errors.OracleParse(raw, fmt.Errorf("respond with empty response"))
		}
	case ActionEscalate, ActionComplete:
		// No payload required.
	case "":
		return d, errors.OracleParse(raw, fmt.Errorf("missing action"))
	default:
		return d, errors.OracleParse(raw, fmt.Errorf("unknown action %q", d.Action))
	}

	return d, nil
}

// extractJSONObject returns the first balanced top-level JSON object in s.
// Brace depth is tracked outside string literals so braces inside quoted
// values do not confuse the scan.
func extractJSONObject(s string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if start == -1 {
			if c == '{' {
				start = i
				depth = 1
			}
			continue
		}
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1], true
				}
			}
		}
	}
	return "", false
}
