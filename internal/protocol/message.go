package protocol

import (
	"encoding/json"
	"fmt"
)

// Status tags an inbound envelope with its variant.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusChunk      Status = "chunk"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
	StatusFinished   Status = "finished"
	StatusPong       Status = "pong"
)

// Keepalive is the outbound liveness probe. It is a plain text literal, not
// JSON; the backend answers it with a "pong" envelope.
const Keepalive = "ping"

// Message is a decoded envelope. Only the fields belonging to Status are
// populated; Decode rejects envelopes missing a variant's required fields.
type Message struct {
	Status Status

	// Data carries response text for "chunk" and "complete".
	Data string

	// Note is human-readable text: the failure description for "error",
	// optional progress text for "processing".
	Note string

	// Elapsed is the task duration in seconds, set for "finished".
	Elapsed float64
}

// envelope is the raw wire shape. Pointers distinguish absent fields from
// zero values so required-field checks are exact.
type envelope struct {
	Status      string   `json:"status"`
	Data        *string  `json:"data,omitempty"`
	Message     *string  `json:"message,omitempty"`
	ElapsedTime *float64 `json:"elapsedTime,omitempty"`
}

// Decode parses an inbound frame into a Message, enforcing the required
// fields of each variant.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("parse envelope: %w", err)
	}

	switch Status(env.Status) {
	case StatusProcessing:
		msg := Message{Status: StatusProcessing}
		if env.Message != nil {
			msg.Note = *env.Message
		}
		return msg, nil

	case StatusChunk:
		if env.Data == nil {
			return Message{}, fmt.Errorf("chunk envelope missing data field")
		}
		return Message{Status: StatusChunk, Data: *env.Data}, nil

	case StatusComplete:
		if env.Data == nil {
			return Message{}, fmt.Errorf("complete envelope missing data field")
		}
		return Message{Status: StatusComplete, Data: *env.Data}, nil

	case StatusError:
		if env.Message == nil {
			return Message{}, fmt.Errorf("error envelope missing message field")
		}
		return Message{Status: StatusError, Note: *env.Message}, nil

	case StatusFinished:
		if env.ElapsedTime == nil {
			return Message{}, fmt.Errorf("finished envelope missing elapsedTime field")
		}
		return Message{Status: StatusFinished, Elapsed: *env.ElapsedTime}, nil

	case StatusPong:
		return Message{Status: StatusPong}, nil
	}

	return Message{}, fmt.Errorf("unknown status %q", env.Status)
}

// MarshalJSON emits only the fields belonging to the message's variant.
func (m Message) MarshalJSON() ([]byte, error) {
	env := envelope{Status: string(m.Status)}

	switch m.Status {
	case StatusProcessing:
		if m.Note != "" {
			env.Message = &m.Note
		}
	case StatusChunk, StatusComplete:
		env.Data = &m.Data
	case StatusError:
		env.Message = &m.Note
	case StatusFinished:
		env.ElapsedTime = &m.Elapsed
	case StatusPong:
	default:
		return nil, fmt.Errorf("unknown status %q", m.Status)
	}

	return json.Marshal(env)
}

// Constructors for the server side.

func Processing(note string) Message   { return Message{Status: StatusProcessing, Note: note} }
func Chunk(data string) Message        { return Message{Status: StatusChunk, Data: data} }
func Complete(data string) Message     { return Message{Status: StatusComplete, Data: data} }
func ErrorMessage(note string) Message { return Message{Status: StatusError, Note: note} }
func Finished(elapsed float64) Message { return Message{Status: StatusFinished, Elapsed: elapsed} }
func Pong() Message                    { return Message{Status: StatusPong} }
