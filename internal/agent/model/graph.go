package model

import "time"

// Inbound is what the chat front end hands to the orchestrator.
type Inbound struct {
	UserID     int64       `json:"user_id"`
	Text       string      `json:"text"`
	Timestamp  time.Time   `json:"timestamp"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// Attachment is an image sent along with the message. It reaches the model
// for this turn only and is never stored.
type Attachment struct {
	// MIMEType defaults to image/jpeg.
	MIMEType string `json:"mime_type,omitempty"`
	// Data is standard base64.
	Data string `json:"data"`
}

// LoopState is a position in the tool-call state machine.
type LoopState string

const (
	StateAwaitingModel LoopState = "AWAITING_MODEL"
	StateExecutingTool LoopState = "EXECUTING_TOOL"
	StateDone          LoopState = "DONE"
	StateFailed        LoopState = "FAILED"
)

// FinalReply is returned for every orchestration call, successful or not.
type FinalReply struct {
	Text  string    `json:"text"`
	State LoopState `json:"state"`
	// Iterations counts completed tool rounds.
	Iterations int `json:"iterations"`
	// ModelCalls counts requests sent to the model.
	ModelCalls int `json:"model_calls"`
	// Voice asks the TTS collaborator to render this reply as audio.
	Voice bool `json:"voice"`
	// Degraded is set when the reply is a fallback rather than model output.
	Degraded bool `json:"degraded"`
	// CostUSD accumulates the estimated model cost for this reply.
	CostUSD float64 `json:"cost_usd"`
}
