package protocol

import "encoding/json"

// Frame types sent by agents to the daemon.
const (
	TypeHello       = "hello"
	TypeSend        = "send"
	TypeAck         = "ack"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeHeartbeat   = "heartbeat"
	TypeLog         = "log"
	TypeBye         = "bye"
)

// Frame types sent by the daemon to agents.
const (
	TypeWelcome  = "welcome"
	TypeDeliver  = "deliver"
	TypePresence = "presence"
	TypeError    = "error"
)

// Stable error codes carried in error frames.
const (
	CodeFrameTooLarge        = "FrameTooLarge"
	CodeFrameMalformed       = "FrameMalformed"
	CodeUnknownFrameType     = "UnknownFrameType"
	CodeForbidden            = "Forbidden"
	CodeNameInUse            = "NameInUse"
	CodeNoRecipients         = "NoRecipients"
	CodeBackpressureOverflow = "BackpressureOverflow"
	CodeDeliveryFailed       = "DeliveryFailed"
	CodeServerShutdown       = "ServerShutdown"
	CodeStorageUnavailable   = "StorageUnavailable"
)

// Meta carries per-message delivery hints.
type Meta struct {
	Importance  int    `json:"importance,omitempty"` // 0-9
	ReplyTo     string `json:"replyTo,omitempty"`
	RequiresAck bool   `json:"requires_ack,omitempty"`
	TTLMS       int64  `json:"ttl,omitempty"` // milliseconds
}

// Frame is the single wire envelope; the populated fields depend on Type.
// One struct keeps the codec trivial and mirrors how the frames appear on the
// wire as flat JSON objects.
type Frame struct {
	Type string `json:"type"`

	// hello
	Name string `json:"name,omitempty"`
	CLI  string `json:"cli,omitempty"`
	Task string `json:"task,omitempty"`
	Team string `json:"team,omitempty"`

	// welcome
	SessionID string `json:"session_id,omitempty"`

	// send / deliver
	ID      string          `json:"id,omitempty"`
	TS      int64           `json:"ts,omitempty"` // unix ms
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Body    string          `json:"body,omitempty"`
	Kind    string          `json:"kind,omitempty"` // message, system, log, action
	Thread  string          `json:"thread,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Meta    *Meta           `json:"meta,omitempty"`

	// ack (both directions)
	MessageID string `json:"message_id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`

	// subscribe / unsubscribe
	Topic string `json:"topic,omitempty"`

	// presence
	Agent  string `json:"agent,omitempty"`
	Online bool   `json:"online,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// ErrorFrame builds an error frame with a stable code.
func ErrorFrame(code, message string) *Frame {
	return &Frame{Type: TypeError, Code: code, Message: message}
}

// Broadcast is the reserved recipient meaning "every other connected agent".
const Broadcast = "*"
