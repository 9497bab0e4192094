// Package prompts holds the centralized prompt templates used by the
// workflow stages.
package prompts

import (
	"fmt"
	"strings"

	"github.com/deskflow/pkg/models"
)

// ProblemVocabulary is the closed set of category tags the problem
// classification stage may emit.
var ProblemVocabulary = []string{
	"non-delivery",
	"delayed",
	"damaged",
	"wrong-item",
	"quality",
	"fit",
	"return",
	"refund",
	"account",
	"website",
	"general",
}

const classificationTemplate = `Analyze the following customer message and produce a structured JSON response.
Your task has three parts:

1. Support Ticket Classification
   Determine whether the message should be considered a "support ticket".
   A message qualifies as a support ticket if it includes ANY of the following:
   - Issues with an order (delays, missing items, wrong items, damaged items)
   - Requests related to refunds, replacements, returns, cancellations, or exchanges
   - Complaints, negative experiences, or reports of product defects
   - Billing, payment, or charge-related concerns
   - Delivery or shipping issues
   - Requests for help that require customer service intervention
   If the customer is only asking general questions (product inquiry, availability,
   recommendations), do NOT classify it as a support ticket.

2. Order ID Detection
   Identify whether an order ID is explicitly present in the message.
   An order ID starts with "ORD" followed by exactly 5 digits, e.g. ORD12345.
   If no valid ID matching this pattern appears, report "has_order_id": false.

3. Order ID Extraction
   If an order ID is found, extract it exactly as written by the user.
   Do not correct formatting and do not infer order IDs.
   If multiple IDs are present, return the first one in reading order.

Be strict, consistent, and accurate. Produce a JSON object with the fields:

{
  "is_support_ticket": true/false,
  "has_order_id": true/false,
  "extracted_order_id": "string or null"
}

User message: %s`

// Classification builds the ticket validation prompt.
func Classification(userMessage string) string {
	return fmt.Sprintf(classificationTemplate, userMessage)
}

const tierTemplate = `You are an expert customer support tier classification AI. Classify the
incoming customer issue into one of three support tiers based on complexity,
required expertise, and potential business impact.

L1 (Frontline Support): simple, routine inquiries resolvable with standard
procedures - order status checks, tracking requests, basic product questions,
standard returns within policy, account lookups.

L2 (Specialized Support): more complex issues requiring deeper product
knowledge, troubleshooting, investigations, or policy exceptions.

L3 (Expert/Management Support): highly complex or sensitive issues - refund
requests, resend/replacement requests, suspected fraud or chargebacks, legal
threats, data privacy requests, high-value disputes (>$500), product safety
concerns, repeated service failures.

Always escalate to L3 if a refund or resend action would be required.
Default to L2 if uncertain between L1 and L2.

Respond with ONLY the tier level ("L1", "L2", or "L3") plus one or two
sentences of reasoning.

Customer issue: %s`

// Tier builds the tier classification prompt.
func Tier(issueText string) string {
	return fmt.Sprintf(tierTemplate, issueText)
}

const intentTemplate = `You are a customer support AI agent whose primary role is to classify if the
incoming customer message is a support ticket (issue) or a general inquiry
(query). Respond with the single word "issue" or "query".

Customer issue: %s`

// Intent builds the query/issue classification prompt.
func Intent(issueText string) string {
	return fmt.Sprintf(intentTemplate, issueText)
}

const problemTemplate = `You are a customer support AI agent. Analyze the following customer issue and
identify the problem types. Select from the following categories:
%s

Produce a JSON object with the fields:

{
  "problem_types": ["category", ...],
  "reasoning": "detailed reasoning for the classification"
}

Customer issue: %s`

// Problem builds the problem classification prompt over the closed vocabulary.
func Problem(issueText string) string {
	descriptions := []string{
		"- non-delivery: customer hasn't received their order",
		"- delayed: order is taking longer than expected",
		"- damaged: product arrived damaged or defective",
		"- wrong-item: customer received incorrect product",
		"- quality: product quality didn't meet expectations",
		"- fit: size or fit issue with clothing/wearable",
		"- return: customer wants to return an item",
		"- refund: customer is requesting a refund",
		"- account: issues with customer's account",
		"- website: problems with the website",
		"- general: any other general inquiries",
	}
	return fmt.Sprintf(problemTemplate, strings.Join(descriptions, "\n"), issueText)
}

const policyWithCandidatesTemplate = `You are a support AI. From the exact policy names listed below, choose the
single most appropriate policy for the customer issue.
Important: your output MUST be a JSON object with the fields policy_name,
policy_description, reasoning, and application_notes, and policy_name MUST be
one of the policy names listed (case-sensitive exact match).
If you cannot find a suitable policy, set policy_name to the string 'UNKNOWN'
and provide your reasoning. Do NOT invent new policy names.

Candidate Policies:
%s

Customer Issue: %s
Problem Types: %s
Issue Analysis: %s`

const policyWithContextTemplate = `You are a support AI. Use the policy context below to pick the most
appropriate policy. Return a JSON object with the fields policy_name,
policy_description, reasoning, and application_notes. If you cannot identify
a policy name exactly, set policy_name to 'UNKNOWN'. Do NOT fabricate policy
names.

Policy Context:
%s

Customer Issue: %s
Problem Types: %s
Issue Analysis: %s`

// PolicySelection builds the policy selection prompt. When candidates exist
// they are enumerated and the oracle is constrained to them; otherwise the
// free-text policy context is supplied.
func PolicySelection(candidates []models.Policy, policyContext, issueText, problemTypes, issueAnalysis string) string {
	if len(candidates) > 0 {
		var block strings.Builder
		for i, p := range candidates {
			fmt.Fprintf(&block, "%d. %s - %s\n", i+1, p.Name, p.Description)
		}
		return fmt.Sprintf(policyWithCandidatesTemplate, block.String(), issueText, problemTypes, issueAnalysis)
	}
	return fmt.Sprintf(policyWithContextTemplate, policyContext, issueText, problemTypes, issueAnalysis)
}

const resolutionTemplate = `You are a customer support agent handling the following issue:
Customer issue: %s
Identified problem types: %s
Company policy: %s

Product context (from store):
%s

Query/Issue classification: %s
Has order ID: %t

Instructions:
1. Use the order ID (format: ORD#####) only if "has order ID" above is true.
2. Use tools as needed. Do not fabricate data not shown.
3. Choose resend vs refund based strictly on stock availability and policy guidance.
4. For non-delivery issues, check order status and tracking first.
5. For damaged, defective, or wrong-item issues, check stock of the correct
   product: if stock is available initiate a resend, if stock is zero initiate
   a refund.
6. Keep reasoning concise but stepwise.

IMPORTANT: after completing your investigation, format your final response as
a professional customer support email: greet the customer, briefly describe
the issue as you understand it, state what was found and the concrete action
being taken, include the order number and next steps, and sign off as the
Customer Support Team.`

// Resolution builds the tool-loop task prompt for the resolve stage.
func Resolution(issueText, problemTypes, policyInfo, productsContext string, intent models.Intent, hasOrderID bool) string {
	return fmt.Sprintf(resolutionTemplate, issueText, problemTypes, policyInfo, productsContext, string(intent), hasOrderID)
}

const summaryTemplate = `Based on the investigation, provide a resolution for the customer.

Task: %s

Tool results:
%s

Write the final professional customer support email now, summarizing the
findings and the concrete action being taken, including timelines and next
steps.`

// ResolutionSummary asks the oracle to turn recorded tool results into the
// final customer reply when its last turn carried no content.
func ResolutionSummary(task string, traces []models.ToolTrace) string {
	var b strings.Builder
	for i, tr := range traces {
		fmt.Fprintf(&b, "%d. %s(%s) -> %s\n", i+1, tr.Action, tr.ActionInput, tr.Result)
	}
	return fmt.Sprintf(summaryTemplate, task, b.String())
}
