package prompts

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/deskflow/pkg/models"
)

func TestClassificationEmbedsMessage(t *testing.T) {
	prompt := Classification("My order ORD12345 never arrived")
	assert.Contains(t, prompt, "My order ORD12345 never arrived")
	assert.Contains(t, prompt, `"is_support_ticket"`)
	assert.Contains(t, prompt, `"extracted_order_id"`)
}

func TestTierPromptNamesAllTiers(t *testing.T) {
	prompt := Tier("I want a refund")
	assert.Contains(t, prompt, "L1")
	assert.Contains(t, prompt, "L2")
	assert.Contains(t, prompt, "L3")
	assert.Contains(t, prompt, "I want a refund")
}

func TestProblemPromptListsFullVocabulary(t *testing.T) {
	prompt := Problem("the watch strap broke")
	for _, tag := range ProblemVocabulary {
		assert.Contains(t, prompt, "- "+tag+":")
	}
}

func TestPolicySelectionWithCandidates(t *testing.T) {
	candidates := []models.Policy{
		{Name: "Damaged Item Policy", Description: "covers damaged deliveries"},
		{Name: "Standard Return Policy", Description: "covers routine returns"},
	}
	prompt := PolicySelection(candidates, "", "broken headphones", "damaged", "arrived cracked")

	assert.Contains(t, prompt, "1. Damaged Item Policy - covers damaged deliveries")
	assert.Contains(t, prompt, "2. Standard Return Policy - covers routine returns")
	assert.Contains(t, prompt, "Do NOT invent new policy names")
	assert.NotContains(t, prompt, "Policy Context:")
}

func TestPolicySelectionFallsBackToContext(t *testing.T) {
	prompt := PolicySelection(nil, "All sales final on clearance items.", "broken headphones", "damaged", "arrived cracked")
	assert.Contains(t, prompt, "Policy Context:")
	assert.Contains(t, prompt, "All sales final on clearance items.")
}

func TestResolutionCarriesOrderIDFlag(t *testing.T) {
	prompt := Resolution("ORD12345 arrived broken", "damaged", "Damaged Item Policy", "P1001 in stock", models.IntentIssue, true)
	assert.Contains(t, prompt, "Has order ID: true")
	assert.Contains(t, prompt, "issue")
}

func TestResolutionSummaryNumbersTraces(t *testing.T) {
	traces := []models.ToolTrace{
		{Action: "order_status", ActionInput: `{"order_id":"ORD12345"}`, Result: "delivered"},
		{Action: "check_stock", ActionInput: `{"product_id":"P1001"}`, Result: "12 units"},
	}
	prompt := ResolutionSummary("resolve damaged order", traces)
	assert.Contains(t, prompt, "1. order_status")
	assert.Contains(t, prompt, "2. check_stock")
	assert.Contains(t, prompt, "resolve damaged order")
}
