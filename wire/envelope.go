// Package wire implements the {typ, pyl} envelope protocol spoken over the
// websocket. Inbound frames carry a tagged payload which is decoded through
// a closed dispatch table; outbound responses are flat objects with the typ
// tag at the top level, matching what the frontend expects.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// The closed enumeration of event types. "joining", "closing" and "err"
// only ever travel server to client.
const (
	TypeRegister       = "reg"
	TypeMask           = "mask"
	TypeLock           = "lock"
	TypeMessage        = "msg"
	TypeLike           = "like"
	TypeDelete         = "del"
	TypeDeleteAll      = "delall"
	TypeCategoryChange = "catchng"
	TypeTimer          = "timer"
	TypeColumnsChange  = "colreset"
	TypeTyping         = "t"
	TypeJoining        = "joining"
	TypeClosing        = "closing"
	TypeError          = "err"
)

// ErrFrameTooLarge is returned when the serialized envelope exceeds the
// configured ceiling. The check runs before any payload decode.
var ErrFrameTooLarge = errors.New("frame exceeds size ceiling")

// Envelope is the inbound wire frame.
type Envelope struct {
	Typ string          `json:"typ"`
	Pyl json.RawMessage `json:"pyl"`
}

type decoderFunc func(json.RawMessage) (interface{}, error)

// The dispatch table maps event type to payload decoder. Types absent from
// the table decode to nil, an unknown typ is ignored rather than treated
// as an error, mirroring the client's permissive handling.
var decoders = map[string]decoderFunc{
	TypeRegister:       decodeInto[Register](),
	TypeMask:           decodeInto[Mask](),
	TypeLock:           decodeInto[Lock](),
	TypeMessage:        decodeInto[SaveMessage](),
	TypeLike:           decodeInto[LikeMessage](),
	TypeDelete:         decodeInto[DeleteMessage](),
	TypeDeleteAll:      decodeInto[DeleteAll](),
	TypeCategoryChange: decodeInto[CategoryChange](),
	TypeTimer:          decodeInto[Timer](),
	TypeColumnsChange:  decodeInto[ColumnsChange](),
	TypeTyping:         decodeInto[Typing](),
}

func decodeInto[T any]() decoderFunc {
	return func(raw json.RawMessage) (interface{}, error) {
		payloadMap := make(map[string]interface{})
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &payloadMap); err != nil {
				return nil, fmt.Errorf("could not unmarshal payload: %w", err)
			}
		}
		target := new(T)
		if err := mapstructure.WeakDecode(payloadMap, target); err != nil {
			return nil, fmt.Errorf("could not decode payload: %w", err)
		}
		return target, nil
	}
}

// Decode parses one inbound frame. It returns (nil, nil) for unknown event
// types and ErrFrameTooLarge when the whole envelope is over the limit.
func Decode(raw []byte, limit int) (interface{}, error) {
	if limit > 0 && len(raw) > limit {
		return nil, ErrFrameTooLarge
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("could not unmarshal envelope: %w", err)
	}
	decoder, ok := decoders[env.Typ]
	if !ok {
		return nil, nil
	}
	return decoder(env.Pyl)
}

// Encode marshals an outbound response.
func Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
