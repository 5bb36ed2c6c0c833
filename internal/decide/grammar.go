package decide

import (
	"fmt"
	"strings"
)

// Action identifiers a backend may answer with.
const (
	ReplyCreateHNSW    = "create_hnsw_index"
	ReplyCreateIVFFlat = "create_ivfflat_index"
	ReplyDropIndex     = "drop_index"
	ReplyNoAction      = "no_action"
)

var validReplies = map[string]bool{
	ReplyCreateHNSW:    true,
	ReplyCreateIVFFlat: true,
	ReplyDropIndex:     true,
	ReplyNoAction:      true,
}

// Reply is a parsed backend response.
type Reply struct {
	Action              string
	Reasoning           string
	ExpectedImprovement string
}

// DecisionParseError reports a backend response outside the accepted grammar.
// The cycle proceeds with NO_OP.
type DecisionParseError struct {
	Reason   string
	Response string
}

func (e *DecisionParseError) Error() string {
	return "decide: unparseable response: " + e.Reason
}

const maxEchoedResponse = 256

func parseErr(response, format string, args ...any) *DecisionParseError {
	if len(response) > maxEchoedResponse {
		response = response[:maxEchoedResponse]
	}
	return &DecisionParseError{Reason: fmt.Sprintf(format, args...), Response: response}
}

// ParseResponse parses the line grammar
//
//	ACTION: <identifier>
//	REASONING: <text>              (optional)
//	EXPECTED_IMPROVEMENT: <text>   (optional)
//
// Keys are case-insensitive, blank lines are ignored and each key may appear
// once. Any other line is rejected rather than guessed at.
func ParseResponse(response string) (Reply, error) {
	var r Reply
	seen := make(map[string]bool, 3)
	for _, line := range strings.Split(strings.TrimSpace(response), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return Reply{}, parseErr(response, "line %q is not KEY: value", line)
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if seen[key] {
			return Reply{}, parseErr(response, "duplicate %s line", key)
		}
		seen[key] = true
		switch key {
		case "ACTION":
			r.Action = strings.ToLower(value)
		case "REASONING":
			r.Reasoning = value
		case "EXPECTED_IMPROVEMENT":
			r.ExpectedImprovement = value
		default:
			return Reply{}, parseErr(response, "unexpected key %q", key)
		}
	}
	if !seen["ACTION"] {
		return Reply{}, parseErr(response, "no ACTION line")
	}
	if !validReplies[r.Action] {
		return Reply{}, parseErr(response, "unknown action %q", r.Action)
	}
	return r, nil
}
