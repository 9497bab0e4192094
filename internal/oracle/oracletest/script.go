// Package oracletest provides a scripted Oracle for tests that need
// deterministic reasoning behavior without a live model.
package oracletest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/deskflow/internal/oracle"
)

// Script is an oracle.Oracle whose responses are queued up front. Each call
// consumes the next queued response for its method; running out of queued
// responses is an error, so tests fail loudly on unexpected extra calls.
type Script struct {
	mu sync.Mutex

	answers         []string
	classifications []string
	turns           []*oracle.Turn

	// Prompts records every Ask and Classify prompt, in call order, for
	// assertions about what the script was asked.
	Prompts []string

	// Transcripts records the transcript passed to each Resolve call.
	Transcripts [][]oracle.TranscriptEntry

	// Err, when set, is returned by every method before consuming the queue.
	Err error
}

var _ oracle.Oracle = (*Script)(nil)

// QueueAnswer appends a free-text response for the next Ask call.
func (s *Script) QueueAnswer(answer string) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = append(s.answers, answer)
	return s
}

// QueueClassification appends a structured response for the next Classify
// call. v is marshaled to JSON and decoded into the caller's out value.
func (s *Script) QueueClassification(v any) *Script {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("oracletest: unmarshalable classification: %v", err))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.classifications = append(s.classifications, string(raw))
	return s
}

// QueueTurn appends a response for the next Resolve call.
func (s *Script) QueueTurn(turn oracle.Turn) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, &turn)
	return s
}

// QueueToolCalls appends a Resolve response consisting only of tool calls.
func (s *Script) QueueToolCalls(calls ...oracle.ToolCall) *Script {
	return s.QueueTurn(oracle.Turn{Calls: calls})
}

// QueueFinalAnswer appends a Resolve response with content and no tool
// calls, which terminates a resolution loop.
func (s *Script) QueueFinalAnswer(content string) *Script {
	return s.QueueTurn(oracle.Turn{Content: content})
}

// Ask implements oracle.Oracle.
func (s *Script) Ask(_ context.Context, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Prompts = append(s.Prompts, prompt)
	if s.Err != nil {
		return "", s.Err
	}
	if len(s.answers) == 0 {
		return "", fmt.Errorf("oracletest: unexpected Ask call (no answers queued)")
	}
	answer := s.answers[0]
	s.answers = s.answers[1:]
	return answer, nil
}

// Classify implements oracle.Oracle.
func (s *Script) Classify(_ context.Context, prompt string, out any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Prompts = append(s.Prompts, prompt)
	if s.Err != nil {
		return s.Err
	}
	if len(s.classifications) == 0 {
		return fmt.Errorf("oracletest: unexpected Classify call (no classifications queued)")
	}
	raw := s.classifications[0]
	s.classifications = s.classifications[1:]
	return json.Unmarshal([]byte(raw), out)
}

// Resolve implements oracle.Oracle.
func (s *Script) Resolve(_ context.Context, transcript []oracle.TranscriptEntry, _ []oracle.ToolSpec) (*oracle.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Transcripts = append(s.Transcripts, transcript)
	if s.Err != nil {
		return nil, s.Err
	}
	if len(s.turns) == 0 {
		return nil, fmt.Errorf("oracletest: unexpected Resolve call (no turns queued)")
	}
	turn := s.turns[0]
	s.turns = s.turns[1:]
	return turn, nil
}
