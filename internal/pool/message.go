package pool

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// TalkChannelLabel names the data channel that carries talk-state messages.
const TalkChannelLabel = "talk-state"

// Control message types.
const (
	MessageTalkStart = "TALK_START"
	MessageTalkStop  = "TALK_STOP"
)

// Message is the envelope of every talk-state data channel message.
type Message struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// TalkPayload accompanies TALK_START and TALK_STOP.
type TalkPayload struct {
	From string `msgpack:"from"`
	At   int64  `msgpack:"at"`
}

// DecodePayload decodes the message payload into v.
func (m Message) DecodePayload(v any) error {
	return msgpack.Unmarshal(m.Payload, v)
}

func NewMessage(t string, payload any) (Message, error) {
	b, err := msgpack.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: t, Payload: b}, nil
}

func encodeTalk(t, from string) ([]byte, error) {
	m, err := NewMessage(t, TalkPayload{From: from, At: time.Now().UnixMilli()})
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(m)
}

func decodeMessage(data []byte) (Message, error) {
	var m Message
	err := msgpack.Unmarshal(data, &m)
	return m, err
}
