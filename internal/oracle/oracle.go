// Package oracle defines the reasoning-oracle boundary: structured
// classification, free-text answers, and tool-call turns for the resolution
// loop. Implementations are synchronous from the caller's perspective.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ToolCall is one tool invocation requested by the oracle.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Turn is one oracle response inside the resolution loop: free-text content
// and zero or more tool calls, in the order the oracle returned them.
type Turn struct {
	Content string     `json:"content"`
	Calls   []ToolCall `json:"calls"`
}

// ToolSpec advertises a tool to the oracle.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// TranscriptRole tags entries of the resolution transcript.
type TranscriptRole string

const (
	RoleUser      TranscriptRole = "user"
	RoleAssistant TranscriptRole = "assistant"
	RoleToolReply TranscriptRole = "tool"
)

// TranscriptEntry is one entry of the resolution working context. The
// transcript must be JSON-serializable so a suspended resolution loop can be
// checkpointed and resumed.
type TranscriptEntry struct {
	Role       TranscriptRole `json:"role"`
	Content    string         `json:"content,omitempty"`
	Calls      []ToolCall     `json:"calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
}

// Oracle is the external reasoning collaborator consumed by the stage graph.
type Oracle interface {
	// Ask sends a prompt and returns the raw free-text answer.
	Ask(ctx context.Context, prompt string) (string, error)

	// Classify sends a prompt expecting a JSON object matching out's schema.
	Classify(ctx context.Context, prompt string, out any) error

	// Resolve sends the working transcript plus the available tool set and
	// returns the oracle's next turn.
	Resolve(ctx context.Context, transcript []TranscriptEntry, tools []ToolSpec) (*Turn, error)
}

// DecodeStructured extracts the JSON object from a raw oracle response,
// repairing malformed output where possible, and unmarshals it into out.
func DecodeStructured(raw string, out any) error {
	jsonStr := extractJSON(raw)
	if jsonStr == "" {
		return fmt.Errorf("no JSON object found in oracle response (%d chars)", len(raw))
	}

	if err := json.Unmarshal([]byte(jsonStr), out); err == nil {
		return nil
	}

	repaired, err := jsonrepair.JSONRepair(jsonStr)
	if err != nil {
		return fmt.Errorf("oracle response is not valid JSON and repair failed: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), out); err != nil {
		return fmt.Errorf("failed to parse repaired oracle response: %w", err)
	}
	return nil
}

// extractJSON pulls the JSON payload out of a response that may wrap it in
// markdown code fences or surrounding prose.
func extractJSON(response string) string {
	trimmed := strings.TrimSpace(response)
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		return trimmed
	}

	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start == -1 || end <= start {
		return ""
	}
	return response[start : end+1]
}
