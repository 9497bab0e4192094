package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/deskflow/internal/oracle"
	"github.com/deskflow/internal/prompts"
	"github.com/deskflow/internal/tools"
	"github.com/deskflow/pkg/models"
)

// maxOracleTurns bounds the resolution tool loop against an oracle that
// never stops asking for tools.
const maxOracleTurns = 10

// stageResolve runs the tool-call loop: ask the oracle, execute the returned
// batch in order (privileged calls gated on human approval), feed results
// back, repeat until the oracle answers with no tool calls. A checkpoint from
// a previous suspension restores the transcript and the batch position so the
// conversation continues mid-batch without a fresh oracle call.
func (g *Graph) stageResolve(ctx context.Context, state *models.TicketState, cp *ResolveCheckpoint) error {
	var (
		transcript []oracle.TranscriptEntry
		batch      []tools.Call
		index      int
		lastStock  *int
	)
	if cp != nil {
		transcript = cp.Transcript
		batch = cp.Batch
		index = cp.Index
		lastStock = cp.LastStock
	} else {
		task := prompts.Resolution(state.IssueText(), strings.Join(state.ProblemTypes, ", "),
			policyInfo(state), state.ProductsSnapshot, state.Intent, state.HasOrderID)
		transcript = []oracle.TranscriptEntry{{Role: oracle.RoleUser, Content: task}}
	}

	for turn := 0; turn < maxOracleTurns; turn++ {
		if batch == nil {
			reply, err := g.deps.Oracle.Resolve(ctx, transcript, tools.Specs())
			if err != nil {
				return fmt.Errorf("resolution oracle call: %w", err)
			}
			transcript = append(transcript, oracle.TranscriptEntry{
				Role:    oracle.RoleAssistant,
				Content: reply.Content,
				Calls:   reply.Calls,
			})

			if len(reply.Calls) == 0 {
				return g.finishResolve(ctx, state, transcript, reply.Content)
			}

			batch = make([]tools.Call, 0, len(reply.Calls))
			for _, tc := range reply.Calls {
				call, err := tools.FromOracle(tc)
				if err != nil {
					return err
				}
				batch = append(batch, call)
			}
			index = 0
		}

		for index < len(batch) {
			call := batch[index]

			if call.Name.Privileged() {
				decision, ok, err := g.deps.Gate.Request(ctx, state.ConversationID, Request{
					Action: string(call.Name),
					Args:   call.Args,
					Description: fmt.Sprintf("The assistant wants to execute %s with arguments %s. Accept to proceed, anything else denies it.",
						call.Name, argsJSON(call.Args)),
				})
				if err != nil {
					return err
				}
				if !ok {
					return &suspendError{resolve: &ResolveCheckpoint{
						Transcript: transcript,
						Batch:      batch,
						Index:      index,
						LastStock:  lastStock,
					}}
				}
				if decision != models.DecisionAccept {
					g.denyResolve(state, call)
					return nil
				}
			}

			outcome, err := g.deps.Tools.Execute(ctx, call)
			if err != nil {
				// At-most-once: a failed side effect is frozen for a human,
				// never retried automatically.
				log.Error().Err(err).
					Str("conversation_id", state.ConversationID).
					Str("tool", string(call.Name)).
					Msg("tool execution failed, escalating to human review")
				state.RequiresHumanReview = true
				reason := fmt.Sprintf("Tool %s failed: %v", call.Name, err)
				state.AddReasoning(string(StageResolve), reason)
				state.AppendStep(string(StageResolve), reason, "tool_failure")
				return nil
			}

			input := argsJSON(call.Args)
			state.ToolTraces = append(state.ToolTraces, models.ToolTrace{
				Thought:     fmt.Sprintf("Calling %s", call.Name),
				Action:      string(call.Name),
				ActionInput: input,
				Result:      outcome.Result,
			})
			state.AppendMessage(models.RoleAssistant, fmt.Sprintf("Calling %s with %s", call.Name, input))
			state.AppendMessage(models.RoleTool, outcome.Result)
			transcript = append(transcript, oracle.TranscriptEntry{
				Role:       oracle.RoleToolReply,
				Content:    outcome.Result,
				ToolCallID: call.ID,
				ToolName:   string(call.Name),
			})

			if outcome.StockLevel != nil {
				lastStock = outcome.StockLevel
			}
			if outcome.Action != models.ActionNone {
				state.ActionTaken = outcome.Action
				state.ActionReason = executedReason(outcome.Action, lastStock)
			}
			index++
		}
		batch = nil
	}

	return fmt.Errorf("resolution loop exceeded %d oracle turns for %s", maxOracleTurns, state.ConversationID)
}

// denyResolve applies a human denial: the rest of the batch is discarded, no
// reply is composed, and the conversation is frozen for supervisor review.
func (g *Graph) denyResolve(state *models.TicketState, call tools.Call) {
	state.ActionTaken = models.ActionDenied
	state.ActionReason = fmt.Sprintf("Human denied %s action", call.Name)
	state.RequiresHumanReview = true
	state.AppendMessage(models.RoleAssistant,
		fmt.Sprintf("Action %s denied by human reviewer. Stopping resolution.", call.Name))
	state.AddReasoning(string(StageResolve),
		fmt.Sprintf("%s denied by human - requires supervisor review", call.Name))
	state.AppendStep(string(StageResolve), state.ActionReason, string(models.ActionDenied))
	log.Warn().
		Str("conversation_id", state.ConversationID).
		Str("tool", string(call.Name)).
		Msg("privileged action denied")
}

// finishResolve turns the oracle's final content into the customer reply. An
// empty final turn gets one more oracle call summarizing the recorded tool
// results.
func (g *Graph) finishResolve(ctx context.Context, state *models.TicketState, transcript []oracle.TranscriptEntry, content string) error {
	reply := strings.TrimSpace(content)
	if reply == "" {
		task := ""
		if len(transcript) > 0 {
			task = transcript[0].Content
		}
		summarized, err := g.deps.Oracle.Ask(ctx, prompts.ResolutionSummary(task, state.ToolTraces))
		if err != nil {
			return fmt.Errorf("resolution summary: %w", err)
		}
		reply = strings.TrimSpace(summarized)
	}

	// An executed privileged tool is the ground truth for action_taken; the
	// reply text is only consulted when no privileged tool ran.
	if state.ActionTaken == models.ActionNone {
		state.ActionTaken, state.ActionReason = actionFromReply(reply)
	}

	state.SetReply(reply)
	state.AppendMessage(models.RoleAssistant, reply)
	state.AddReasoning(string(StageResolve),
		fmt.Sprintf("Resolution complete: action=%s", state.ActionTaken))
	state.AppendStep(string(StageResolve), state.ActionReason, string(state.ActionTaken))
	return nil
}

// executedReason derives the action reason from what actually ran. A refund
// issued right after a zero-stock check is due to stock unavailability.
func executedReason(action models.Action, lastStock *int) string {
	switch action {
	case models.ActionRefundIssued:
		if lastStock != nil && *lastStock == 0 {
			return "Refund issued because replacement stock was unavailable."
		}
		return "Refund issued per policy."
	case models.ActionResendIssued:
		return "Item in stock and eligible for replacement per policy."
	default:
		return ""
	}
}

// actionFromReply is the fallback classification used when no privileged tool
// executed: the reply text is scanned for refund/replacement phrasing, and a
// purely informational reply records no action.
func actionFromReply(reply string) (models.Action, string) {
	lower := strings.ToLower(reply)
	switch {
	case strings.Contains(lower, "refund"):
		if strings.Contains(lower, "out of stock") ||
			strings.Contains(lower, "unavailable") ||
			strings.Contains(lower, "not available") {
			return models.ActionRefundIssued, "Refund issued because replacement stock was unavailable."
		}
		return models.ActionRefundIssued, "Refund issued per policy."
	case strings.Contains(lower, "replacement") || strings.Contains(lower, "resend"):
		return models.ActionResendIssued, "Item in stock and eligible for replacement per policy."
	default:
		return models.ActionNone, ""
	}
}

func policyInfo(state *models.TicketState) string {
	info := state.PolicyName
	if state.PolicyDescription != "" {
		info += ": " + state.PolicyDescription
	}
	if state.ApplicationNotes != "" {
		info += "\nApplication notes: " + state.ApplicationNotes
	}
	return info
}

func argsJSON(args map[string]any) string {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(raw)
}
