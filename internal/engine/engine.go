// Package engine implements the ticket workflow: a fixed graph of decision
// stages threaded by a single TicketState, with durable suspend/resume at
// human-approval points. A conversation that suspends is checkpointed and can
// be resumed after a process restart.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/deskflow/internal/oracle"
	"github.com/deskflow/internal/tools"
	"github.com/deskflow/pkg/models"
)

// Stage names the nodes of the workflow graph.
type Stage string

const (
	StageValidate Stage = "validate"
	StageTier     Stage = "tier_classify"
	StageIntent   Stage = "intent_classify"
	StageProblem  Stage = "problem_classify"
	StagePolicy   Stage = "policy_select"
	StageResolve  Stage = "resolve"
	StageEnd      Stage = "END"
)

// ProductStore supplies the catalog snapshot cached at validation time.
type ProductStore interface {
	List(ctx context.Context) ([]models.Product, error)
}

// PolicyStore supplies policy candidates for the selection stage. Context is
// the free-text fallback used when no discrete candidates match.
type PolicyStore interface {
	Candidates(ctx context.Context, issueText string) ([]models.Policy, error)
	Context(ctx context.Context) (string, error)
}

// ToolInvoker executes validated tool calls for the resolution loop.
type ToolInvoker interface {
	Execute(ctx context.Context, call tools.Call) (*tools.Outcome, error)
}

// Completion is delivered to the optional callback when a conversation
// reaches a terminal state.
type Completion struct {
	ConversationID string
	ReplyText      *string
	ActionTaken    models.Action
	Tier           models.Tier
}

// Deps wires the graph to its collaborators.
type Deps struct {
	Oracle      oracle.Oracle
	Orders      tools.OrderStore
	Products    ProductStore
	Policies    PolicyStore
	Tools       ToolInvoker
	Gate        Gate
	Checkpoints CheckpointStore

	// Callback, when set, receives every terminal completion. Failures are
	// logged, never fatal.
	Callback func(ctx context.Context, c Completion) error
}

// Graph drives one conversation at a time through the stage sequence.
// Different conversations may run concurrently on their own goroutines; the
// only shared state is the durable stores.
type Graph struct {
	deps Deps
}

func New(deps Deps) *Graph {
	return &Graph{deps: deps}
}

// suspendError is the internal signal a stage raises when an approval gate
// has no decision yet. The engine translates it into a durable checkpoint.
type suspendError struct {
	resolve *ResolveCheckpoint
}

func (e *suspendError) Error() string { return "suspended awaiting approval decision" }

// Run drives a fresh TicketState from the validate stage. It returns
// suspended=true when the conversation halted at an approval gate; the state
// has then been checkpointed and a later Resume continues it.
func (g *Graph) Run(ctx context.Context, state *models.TicketState) (suspended bool, err error) {
	return g.runFrom(ctx, StageValidate, state, nil)
}

// Resume reloads a suspended conversation and re-enters the graph at the
// checkpointed stage. The approval decision is injected through the gate's
// store, not passed here: the resumed stage asks the gate again and this time
// receives the recorded decision.
func (g *Graph) Resume(ctx context.Context, conversationID string) (*models.TicketState, bool, error) {
	cp, err := g.deps.Checkpoints.Load(ctx, conversationID)
	if err != nil {
		return nil, false, fmt.Errorf("load checkpoint for %s: %w", conversationID, err)
	}
	log.Info().
		Str("conversation_id", conversationID).
		Str("stage", string(cp.Stage)).
		Msg("resuming suspended conversation")
	suspended, err := g.runFrom(ctx, cp.Stage, cp.State, cp.Resolve)
	return cp.State, suspended, err
}

func (g *Graph) runFrom(ctx context.Context, start Stage, state *models.TicketState, rcp *ResolveCheckpoint) (bool, error) {
	stage := start
	for stage != StageEnd {
		log.Debug().
			Str("conversation_id", state.ConversationID).
			Str("stage", string(stage)).
			Msg("entering stage")

		var err error
		switch stage {
		case StageValidate:
			err = g.stageValidate(ctx, state)
		case StageTier:
			err = g.stageTier(ctx, state)
		case StageIntent:
			err = g.stageIntent(ctx, state)
		case StageProblem:
			err = g.stageProblem(ctx, state)
		case StagePolicy:
			err = g.stagePolicy(ctx, state)
		case StageResolve:
			err = g.stageResolve(ctx, state, rcp)
			rcp = nil
		default:
			return false, fmt.Errorf("unknown stage %q", stage)
		}

		if err != nil {
			var susp *suspendError
			if errors.As(err, &susp) {
				cp := &Checkpoint{
					ConversationID: state.ConversationID,
					Stage:          stage,
					State:          state,
					Resolve:        susp.resolve,
					CreatedAt:      time.Now().UTC(),
				}
				if saveErr := g.deps.Checkpoints.Save(ctx, cp); saveErr != nil {
					return false, fmt.Errorf("checkpoint %s at %s: %w", state.ConversationID, stage, saveErr)
				}
				return true, nil
			}
			return false, fmt.Errorf("stage %s: %w", stage, err)
		}

		stage = next(stage, state)
	}

	if err := g.deps.Checkpoints.Delete(ctx, state.ConversationID); err != nil && !errors.Is(err, models.ErrNotFound) {
		log.Warn().Err(err).
			Str("conversation_id", state.ConversationID).
			Msg("failed to clear checkpoint after completion")
	}

	if g.deps.Callback != nil {
		c := Completion{
			ConversationID: state.ConversationID,
			ReplyText:      state.ReplyText,
			ActionTaken:    state.ActionTaken,
			Tier:           state.Tier,
		}
		if err := g.deps.Callback(ctx, c); err != nil {
			log.Warn().Err(err).
				Str("conversation_id", state.ConversationID).
				Msg("completion callback failed")
		}
	}
	return false, nil
}

// next evaluates the routing predicate after a completed stage. The only
// conditional edge is validate -> END for non-support messages; every other
// edge is unconditional.
func next(stage Stage, state *models.TicketState) Stage {
	switch stage {
	case StageValidate:
		if !state.IsSupportTicket {
			return StageEnd
		}
		return StageTier
	case StageTier:
		return StageIntent
	case StageIntent:
		return StageProblem
	case StageProblem:
		return StagePolicy
	case StagePolicy:
		return StageResolve
	case StageResolve:
		return StageEnd
	default:
		return StageEnd
	}
}
