package models

import (
	"fmt"
	"strings"
)

// Tier is the escalation bucket assigned by the tier classification stage.
type Tier string

const (
	TierL1 Tier = "L1"
	TierL2 Tier = "L2"
	TierL3 Tier = "L3"
)

// Intent distinguishes informational questions from actionable issues.
type Intent string

const (
	IntentQuery Intent = "query"
	IntentIssue Intent = "issue"
)

// Action is the terminal outcome of the resolution stage.
type Action string

const (
	ActionNone         Action = "none"
	ActionRefundIssued Action = "refund_issued"
	ActionResendIssued Action = "resend_issued"
	ActionDenied       Action = "action_denied"
)

// Role tags entries in the conversation message log.
type Role string

const (
	RoleHuman     Role = "human"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PolicyUnknown is the sentinel policy name used when no candidate policies
// exist and the oracle could not name one.
const PolicyUnknown = "UNKNOWN"

// Message is one role-tagged entry in the ticket's message log.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// StepRecord is one observability entry appended per completed stage.
type StepRecord struct {
	Step      string `json:"step"`
	Reasoning string `json:"reasoning"`
	Output    string `json:"output"`
}

// ToolTrace records a single tool execution inside the resolution stage.
type ToolTrace struct {
	Thought     string `json:"thought"`
	Action      string `json:"action"`
	ActionInput string `json:"action_input"`
	Result      string `json:"result"`
}

// TicketState is the single mutable record threaded through every workflow
// stage. Fields are set-once or append-only; no stage un-sets a previously
// set field. The whole struct is JSON-serializable so it can be checkpointed
// when a conversation suspends for human approval.
type TicketState struct {
	ConversationID string    `json:"conversation_id"`
	MessageLog     []Message `json:"message_log"`

	IsSupportTicket  bool   `json:"is_support_ticket"`
	OrderID          string `json:"order_id,omitempty"`
	HasOrderID       bool   `json:"has_order_id"`
	ProductsSnapshot string `json:"products_snapshot,omitempty"`

	Tier         Tier  `json:"tier,omitempty"`
	TierApproved *bool `json:"tier_approved,omitempty"`

	Intent       Intent   `json:"intent,omitempty"`
	ProblemTypes []string `json:"problem_types,omitempty"`

	PolicyName        string `json:"policy_name,omitempty"`
	PolicyDescription string `json:"policy_description,omitempty"`
	ApplicationNotes  string `json:"application_notes,omitempty"`

	ActionTaken         Action  `json:"action_taken"`
	ActionReason        string  `json:"action_reason,omitempty"`
	ReplyText           *string `json:"reply_text,omitempty"`
	RequiresHumanReview bool    `json:"requires_human_review"`

	ReasoningTrace map[string]string `json:"reasoning_trace,omitempty"`
	StepLog        []StepRecord      `json:"step_log,omitempty"`
	ToolTraces     []ToolTrace       `json:"tool_traces,omitempty"`
}

// NewTicketState creates the state for one inbound message. The raw text
// becomes the first (human) entry of the message log.
func NewTicketState(conversationID, rawText string) *TicketState {
	return &TicketState{
		ConversationID: conversationID,
		MessageLog:     []Message{{Role: RoleHuman, Content: rawText}},
		ActionTaken:    ActionNone,
		ReasoningTrace: map[string]string{},
	}
}

// IssueText returns the original customer message (the first human entry).
func (s *TicketState) IssueText() string {
	for _, m := range s.MessageLog {
		if m.Role == RoleHuman {
			return m.Content
		}
	}
	return ""
}

// AppendMessage adds an entry to the message log. The log is append-only;
// entries are never modified or removed.
func (s *TicketState) AppendMessage(role Role, content string) {
	s.MessageLog = append(s.MessageLog, Message{Role: role, Content: content})
}

// AppendStep records one completed stage in the step log.
func (s *TicketState) AppendStep(step, reasoning, output string) {
	s.StepLog = append(s.StepLog, StepRecord{Step: step, Reasoning: reasoning, Output: output})
}

// AddReasoning stores the free-text rationale for a stage in the audit trace.
func (s *TicketState) AddReasoning(stage, text string) {
	if s.ReasoningTrace == nil {
		s.ReasoningTrace = map[string]string{}
	}
	s.ReasoningTrace[stage] = text
}

// SetOrderID records the validated order id. The id is immutable once set.
func (s *TicketState) SetOrderID(orderID string) error {
	if s.OrderID != "" && s.OrderID != orderID {
		return fmt.Errorf("order id already set to %s, refusing reassignment to %s", s.OrderID, orderID)
	}
	s.OrderID = strings.ToUpper(orderID)
	s.HasOrderID = true
	return nil
}

// SetProductsSnapshot caches the product context fetched at validation time.
// The snapshot is immutable for the lifetime of the state.
func (s *TicketState) SetProductsSnapshot(snapshot string) error {
	if s.ProductsSnapshot != "" {
		return fmt.Errorf("products snapshot already set")
	}
	s.ProductsSnapshot = snapshot
	return nil
}

// SetTier records the escalation tier. Set once by the tier stage.
func (s *TicketState) SetTier(t Tier) error {
	if s.Tier != "" {
		return fmt.Errorf("tier already set to %s", s.Tier)
	}
	s.Tier = t
	return nil
}

// SetReply records the final customer-facing message.
func (s *TicketState) SetReply(text string) {
	s.ReplyText = &text
}

// Terminal reports whether the conversation reached a terminal status.
func (s *TicketState) Terminal() bool {
	return s.ActionTaken == ActionDenied || s.ReplyText != nil || !s.IsSupportTicket
}
