package models

import "time"

// DecisionType is the human response to an approval request. Anything other
// than an explicit accept is treated as ignore.
type DecisionType string

const (
	DecisionAccept DecisionType = "accept"
	DecisionIgnore DecisionType = "ignore"
)

// ParseDecision maps an external response string onto a DecisionType.
func ParseDecision(s string) DecisionType {
	if s == string(DecisionAccept) {
		return DecisionAccept
	}
	return DecisionIgnore
}

// ApprovalStatus tracks the lifecycle of a pending approval.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalAccepted ApprovalStatus = "accepted"
	ApprovalIgnored  ApprovalStatus = "ignored"
)

// PendingApproval is the durable record of a suspended approval request.
// At most one unresolved approval may exist per conversation at a time.
type PendingApproval struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	ActionName     string         `json:"action_name"`
	ActionArgs     map[string]any `json:"action_args"`
	Description    string         `json:"description"`
	Status         ApprovalStatus `json:"status"`
	RequestedAt    time.Time      `json:"requested_at"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	Consumed       bool           `json:"consumed"`
}

// Decision returns the DecisionType recorded on a resolved approval.
func (p *PendingApproval) Decision() DecisionType {
	if p.Status == ApprovalAccepted {
		return DecisionAccept
	}
	return DecisionIgnore
}

// ClaimStatus tracks an inbound message through the delivery pipeline.
type ClaimStatus string

const (
	ClaimPending       ClaimStatus = "pending"
	ClaimProcessing    ClaimStatus = "processing"
	ClaimAwaitingHuman ClaimStatus = "awaiting_human"
	ClaimCompleted     ClaimStatus = "completed"
	ClaimActionDenied  ClaimStatus = "action_denied"
)

// MessageClaim is the exactly-once dedup record for an inbound message.
// ExternalMessageID is unique; claiming is an atomic insert-if-absent.
type MessageClaim struct {
	ExternalMessageID string      `json:"external_message_id"`
	ConversationID    string      `json:"conversation_id"`
	Sender            string      `json:"sender"`
	Subject           string      `json:"subject"`
	Status            ClaimStatus `json:"status"`
	ClaimedAt         time.Time   `json:"claimed_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}
