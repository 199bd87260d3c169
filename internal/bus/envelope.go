package bus

import "encoding/json"

// wireEnvelope is the on-the-wire shape of a Message: subject is implicit in
// the stream the event was published to, so only reply-to and payload need
// to survive the round trip.
type wireEnvelope struct {
	ReplyTo string          `json:"replyTo,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

func encodeEnvelope(msg Message) ([]byte, error) {
	return json.Marshal(wireEnvelope{ReplyTo: msg.ReplyTo, Payload: msg.Payload})
}

func decodeEnvelope(raw []byte) (Message, error) {
	var w wireEnvelope
	if err := json.Unmarshal(raw, &w); err != nil {
		return Message{}, err
	}
	return Message{ReplyTo: w.ReplyTo, Payload: w.Payload}, nil
}
