package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rfeldman/ricmux/internal/model"
)

// Envelope is one classified feed frame: exactly one of Ack or Data is set.
type Envelope struct {
	Ack  *Ack
	Data *model.Update
}

// frame is the superset probe used to classify incoming frames.
type frame struct {
	ID     int64           `json:"id"`
	Type   string          `json:"type"`
	RIC    string          `json:"ric"`
	Seq    int64           `json:"seq"`
	TS     int64           `json:"ts"`
	Msg    json.RawMessage `json:"msg"`
	Fields json.RawMessage `json:"fields"`
}

// Decode classifies and decodes one raw feed frame. receivedAt stamps data
// messages with the local receive time. Undecodable or unrecognized frames
// return an error wrapping ErrPoisonMessage.
func Decode(data []byte, receivedAt time.Time) (Envelope, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrPoisonMessage, err)
	}

	switch f.Type {
	case AckLoggedIn, AckSubscribed, AckUnsubscribed, AckError:
		return Envelope{Ack: &Ack{ID: f.ID, Type: f.Type, Msg: f.Msg}}, nil
	case "":
		return Envelope{}, fmt.Errorf("%w: missing type", ErrPoisonMessage)
	}

	kind, err := model.ParseKind(f.Type)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrPoisonMessage, err)
	}
	if f.RIC == "" {
		return Envelope{}, fmt.Errorf("%w: %s frame without ric", ErrPoisonMessage, f.Type)
	}

	return Envelope{Data: &model.Update{
		RIC:        f.RIC,
		Kind:       kind,
		Seq:        f.Seq,
		ExchangeTS: f.TS,
		ReceivedAt: receivedAt.UnixMicro(),
		Fields:     f.Fields,
	}}, nil
}
