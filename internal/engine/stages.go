package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/xrash/smetrics"

	"github.com/deskflow/internal/prompts"
	"github.com/deskflow/pkg/models"
)

var orderIDPattern = regexp.MustCompile(`^ORD\d{5}$`)

// policyMatchCutoff is the minimum similarity for a fuzzy policy-name match.
const policyMatchCutoff = 0.6

// stageValidate classifies the raw message and extracts an order id. An id
// that matches the format but does not exist in the order store leaves
// has_order_id false.
func (g *Graph) stageValidate(ctx context.Context, state *models.TicketState) error {
	var out struct {
		IsSupportTicket  bool   `json:"is_support_ticket"`
		HasOrderID       bool   `json:"has_order_id"`
		ExtractedOrderID string `json:"extracted_order_id"`
	}
	if err := g.deps.Oracle.Classify(ctx, prompts.Classification(state.IssueText()), &out); err != nil {
		return fmt.Errorf("ticket classification: %w", err)
	}
	state.IsSupportTicket = out.IsSupportTicket

	// Non-tickets route straight to the end of the graph; skip the order
	// context work entirely.
	if state.IsSupportTicket && out.HasOrderID {
		orderID := strings.ToUpper(strings.TrimSpace(out.ExtractedOrderID))
		if orderIDPattern.MatchString(orderID) {
			_, err := g.deps.Orders.Lookup(ctx, orderID)
			switch {
			case err == nil:
				if err := state.SetOrderID(orderID); err != nil {
					return err
				}
				snapshot, err := g.productsSnapshot(ctx)
				if err != nil {
					return fmt.Errorf("fetch product snapshot: %w", err)
				}
				if err := state.SetProductsSnapshot(snapshot); err != nil {
					return err
				}
			case errors.Is(err, models.ErrNotFound):
				// Valid format but unknown order: treated as no order id.
			default:
				return fmt.Errorf("order lookup: %w", err)
			}
		}
	}

	reasoning := fmt.Sprintf("support_ticket=%t order_id=%q", state.IsSupportTicket, state.OrderID)
	state.AddReasoning(string(StageValidate), reasoning)
	state.AppendStep(string(StageValidate), reasoning,
		fmt.Sprintf("is_support_ticket=%t has_order_id=%t", state.IsSupportTicket, state.HasOrderID))
	return nil
}

func (g *Graph) productsSnapshot(ctx context.Context) (string, error) {
	products, err := g.deps.Products.List(ctx)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, p := range products {
		fmt.Fprintf(&b, "- %s: %s ($%.2f) - %s\n", p.ID, p.Name, p.Price, p.Description)
	}
	return b.String(), nil
}

// stageTier buckets the issue into L1/L2/L3. An ambiguous oracle answer
// defaults to L3, the bucket with the most scrutiny. L3 raises the approval
// gate; a denial is recorded but the graph continues to intent classification
// regardless (the routing table has no conditional edge here).
func (g *Graph) stageTier(ctx context.Context, state *models.TicketState) error {
	if state.Tier == "" {
		resp, err := g.deps.Oracle.Ask(ctx, prompts.Tier(state.IssueText()))
		if err != nil {
			return fmt.Errorf("tier classification: %w", err)
		}
		tier := models.TierL3
		lower := strings.ToLower(resp)
		switch {
		case strings.Contains(lower, "l1"):
			tier = models.TierL1
		case strings.Contains(lower, "l2"):
			tier = models.TierL2
		}
		if err := state.SetTier(tier); err != nil {
			return err
		}
		state.AddReasoning(string(StageTier), resp)
	}

	if state.TierApproved == nil {
		if state.Tier == models.TierL3 {
			decision, ok, err := g.deps.Gate.Request(ctx, state.ConversationID, Request{
				Action: "tier_classification",
				Args: map[string]any{
					"tier":       string(state.Tier),
					"issue_text": state.IssueText(),
				},
				Description: "Ticket classified as L3 (expert/management). Approve to confirm the escalation tier.",
			})
			if err != nil {
				return err
			}
			if !ok {
				return &suspendError{}
			}
			approved := decision == models.DecisionAccept
			state.TierApproved = &approved
			if !approved {
				state.AppendMessage(models.RoleAssistant,
					"L3 tier classification was not approved by a supervisor; continuing automated handling under review.")
			}
		} else {
			approved := true
			state.TierApproved = &approved
		}
	}

	state.AppendStep(string(StageTier), state.ReasoningTrace[string(StageTier)], string(state.Tier))
	return nil
}

// stageIntent distinguishes informational queries from actionable issues,
// defaulting to issue.
func (g *Graph) stageIntent(ctx context.Context, state *models.TicketState) error {
	resp, err := g.deps.Oracle.Ask(ctx, prompts.Intent(state.IssueText()))
	if err != nil {
		return fmt.Errorf("intent classification: %w", err)
	}
	state.Intent = models.IntentIssue
	if strings.Contains(strings.ToLower(resp), "query") {
		state.Intent = models.IntentQuery
	}
	state.AddReasoning(string(StageIntent), resp)
	state.AppendStep(string(StageIntent), resp, string(state.Intent))
	return nil
}

// stageProblem tags the issue against the closed problem vocabulary. Tags
// outside the vocabulary are dropped; an empty result becomes "general".
func (g *Graph) stageProblem(ctx context.Context, state *models.TicketState) error {
	var out struct {
		ProblemTypes []string `json:"problem_types"`
		Reasoning    string   `json:"reasoning"`
	}
	if err := g.deps.Oracle.Classify(ctx, prompts.Problem(state.IssueText()), &out); err != nil {
		return fmt.Errorf("problem classification: %w", err)
	}

	allowed := make(map[string]bool, len(prompts.ProblemVocabulary))
	for _, tag := range prompts.ProblemVocabulary {
		allowed[tag] = true
	}
	var types []string
	for _, raw := range out.ProblemTypes {
		tag := strings.ToLower(strings.TrimSpace(raw))
		if allowed[tag] {
			types = append(types, tag)
		}
	}
	if len(types) == 0 {
		types = []string{"general"}
	}

	state.ProblemTypes = types
	state.AddReasoning(string(StageProblem), out.Reasoning)
	state.AppendStep(string(StageProblem), out.Reasoning, strings.Join(types, ", "))
	return nil
}

// stagePolicy selects the governing support policy. With candidates present
// the oracle's answer is forced onto the candidate list (exact, then fuzzy,
// then first-candidate fallback); the oracle never gets to invent a policy
// name. Without candidates the sentinel UNKNOWN is acceptable.
func (g *Graph) stagePolicy(ctx context.Context, state *models.TicketState) error {
	candidates, err := g.deps.Policies.Candidates(ctx, state.IssueText())
	if err != nil {
		return fmt.Errorf("fetch policy candidates: %w", err)
	}
	policyContext := ""
	if len(candidates) == 0 {
		if policyContext, err = g.deps.Policies.Context(ctx); err != nil {
			return fmt.Errorf("fetch policy context: %w", err)
		}
	}

	var out struct {
		PolicyName        string `json:"policy_name"`
		PolicyDescription string `json:"policy_description"`
		Reasoning         string `json:"reasoning"`
		ApplicationNotes  string `json:"application_notes"`
	}
	prompt := prompts.PolicySelection(candidates, policyContext, state.IssueText(),
		strings.Join(state.ProblemTypes, ", "), state.ReasoningTrace[string(StageProblem)])
	if err := g.deps.Oracle.Classify(ctx, prompt, &out); err != nil {
		return fmt.Errorf("policy selection: %w", err)
	}

	reasoning := out.Reasoning
	name := strings.TrimSpace(out.PolicyName)
	if len(candidates) > 0 {
		matched, fellBack := matchPolicy(name, candidates)
		if fellBack {
			reasoning += " (no close candidate match; fell back to the first candidate)"
		}
		state.PolicyName = matched.Name
		state.PolicyDescription = matched.Description
	} else {
		if name == "" {
			name = models.PolicyUnknown
		}
		state.PolicyName = name
		state.PolicyDescription = out.PolicyDescription
	}
	state.ApplicationNotes = out.ApplicationNotes

	state.AddReasoning(string(StagePolicy), reasoning)
	state.AppendStep(string(StagePolicy), reasoning, state.PolicyName)
	return nil
}

// matchPolicy resolves the oracle's policy name against the candidate list:
// exact match first, then the closest fuzzy match at or above the cutoff,
// else the first candidate (fellBack=true).
func matchPolicy(name string, candidates []models.Policy) (models.Policy, bool) {
	for _, c := range candidates {
		if c.Name == name {
			return c, false
		}
	}

	best := -1
	bestScore := 0.0
	lowered := strings.ToLower(name)
	for i, c := range candidates {
		score := smetrics.JaroWinkler(lowered, strings.ToLower(c.Name), 0.7, 4)
		if score >= policyMatchCutoff && score > bestScore {
			best, bestScore = i, score
		}
	}
	if best >= 0 {
		return candidates[best], false
	}
	return candidates[0], true
}
