package domain

import "encoding/json"

// DeliveryOutcome is the result of a single CallbackSender.Send call.
type DeliveryOutcome string

const (
	OutcomeSent           DeliveryOutcome = "sent"
	OutcomeShortCircuited DeliveryOutcome = "shortcircuited"
	OutcomeFailedEnqueued DeliveryOutcome = "failed_enqueued"
)

// ExtractedIntelligence groups the indicators gathered during a session.
type ExtractedIntelligence struct {
	BankAccounts       []string `json:"bankAccounts"`
	UPIIDs             []string `json:"upiIds"`
	PhishingLinks      []string `json:"phishingLinks"`
	PhoneNumbers       []string `json:"phoneNumbers"`
	SuspiciousKeywords []string `json:"suspiciousKeywords"`
}

// FinalResult is the callback payload reported once a session ends.
type FinalResult struct {
	SessionID              string                `json:"sessionId"`
	ScamDetected           bool                  `json:"scamDetected"`
	TotalMessagesExchanged int                   `json:"totalMessagesExchanged"`
	ExtractedIntelligence  ExtractedIntelligence `json:"extractedIntelligence"`
	AgentNotes             string                `json:"agentNotes,omitempty"`
}

// SessionIDOf pulls the sessionId field out of an opaque JSON payload.
// Returns "" if the payload is not a JSON object or has no session id.
func SessionIDOf(payload []byte) string {
	var head struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return ""
	}
	return head.SessionID
}

// Envelope kinds carried on the intake topic.
const (
	KindFinalResult     = "final_result"
	KindOutgoingMessage = "outgoing_message"
)

// Envelope is the message produced by the API layer onto the intake topic.
type Envelope struct {
	Kind      string          `json:"kind"`
	SessionID string          `json:"sessionId,omitempty"`
	Content   string          `json:"content,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}
