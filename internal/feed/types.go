package feed

import (
	"encoding/json"
	"errors"
)

// Errors
var (
	// ErrPoisonMessage marks a frame that could not be decoded. Poison
	// messages are logged and discarded, never fatal to the connection.
	ErrPoisonMessage = errors.New("poison message")
)

// Command verbs.
const (
	CmdLogin       = "login"
	CmdSubscribe   = "subscribe"
	CmdUnsubscribe = "unsubscribe"
)

// Ack types.
const (
	AckLoggedIn     = "logged_in"
	AckSubscribed   = "subscribed"
	AckUnsubscribed = "unsubscribed"
	AckError        = "error"
)

// Command is a JSON command sent to the feed.
type Command struct {
	ID     int64       `json:"id"`
	Cmd    string      `json:"cmd"`
	Params interface{} `json:"params,omitempty"`
}

// LoginParams carry the signed login payload.
type LoginParams struct {
	User string `json:"user"`
	TS   int64  `json:"ts"`  // Signing timestamp (µs since epoch)
	Sig  string `json:"sig"` // base64(HMAC-SHA256(secret, ts+user))
}

// SubscribeParams name the instrument for subscribe and unsubscribe commands.
type SubscribeParams struct {
	RIC string `json:"ric"`
}

// Ack is a control response from the feed, correlated to a command by ID.
type Ack struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"` // "logged_in", "subscribed", "unsubscribed", "error"
	Msg  json.RawMessage `json:"msg,omitempty"`
}

// LoggedInMsg is the payload of a "logged_in" ack.
type LoggedInMsg struct {
	ExpiresAt int64 `json:"expires_at"` // Token expiry (µs since epoch)
}

// SubscribedMsg is the payload of "subscribed" and "unsubscribed" acks.
type SubscribedMsg struct {
	RIC string `json:"ric"`
}

// ErrorMsg is the payload of an "error" ack.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorInfo decodes the payload of an "error" ack. Returns false when the
// ack is not an error.
func (a Ack) ErrorInfo() (ErrorMsg, bool) {
	if a.Type != AckError {
		return ErrorMsg{}, false
	}
	var em ErrorMsg
	if err := json.Unmarshal(a.Msg, &em); err != nil {
		return ErrorMsg{Code: "unparseable", Message: string(a.Msg)}, true
	}
	return em, true
}
