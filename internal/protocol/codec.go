package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// FormatError is returned by Decode when a frame fails to parse, is missing
// its type tag, names an unknown type, or is missing a required field.
type FormatError struct {
	cause error
}

func (e *FormatError) Error() string { return "protocol: " + e.cause.Error() }
func (e *FormatError) Unwrap() error { return e.cause }

func newFormatError(cause error) *FormatError {
	return &FormatError{cause: cause}
}

func missingField(msgType, field string) error {
	return errors.Errorf("%s: missing or malformed field %q", msgType, field)
}

type envelope struct {
	Type Type `json:"type"`
}

var constructors = map[Type]func() Message{
	TypeRegister:        func() Message { return new(Register) },
	TypeRegisterAck:     func() Message { return new(RegisterAck) },
	TypePing:            func() Message { return new(Ping) },
	TypePong:            func() Message { return new(Pong) },
	TypeDownloadRequest: func() Message { return new(DownloadRequest) },
	TypeDownloadAck:     func() Message { return new(DownloadAck) },
	TypeChunk:           func() Message { return new(Chunk) },
	TypeRetryChunk:      func() Message { return new(RetryChunk) },
	TypeCancelDownload:  func() Message { return new(CancelDownload) },
	TypeError:           func() Message { return new(ErrorMessage) },
}

// Encode serializes a message to its wire form: a JSON object carrying a
// "type" tag alongside the message's own fields.
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "protocol: marshal message body")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, errors.Wrap(err, "protocol: re-decode message body")
	}
	typeTag, err := json.Marshal(msg.Kind())
	if err != nil {
		return nil, errors.Wrap(err, "protocol: marshal type tag")
	}
	fields["type"] = typeTag
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, errors.Wrap(err, "protocol: marshal envelope")
	}
	return out, nil
}

// Decode parses a wire frame into its typed Message, validating structural
// well-formedness: the frame must parse as JSON, carry a known "type", and
// give every field it supplies the right primitive shape. Presence is
// checked only for the string fields each type's validate method names
// (such as requestId, clientId, checksum and code); any other absent field
// decodes as its zero value and is not reported.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, newFormatError(errors.Wrap(err, "decode envelope"))
	}
	if env.Type == "" {
		return nil, newFormatError(errors.New("missing \"type\" field"))
	}
	ctor, ok := constructors[env.Type]
	if !ok {
		return nil, newFormatError(errors.Errorf("unknown message type %q", env.Type))
	}
	msg := ctor()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, newFormatError(errors.Wrapf(err, "decode %s body", env.Type))
	}
	if err := msg.validate(); err != nil {
		return nil, newFormatError(err)
	}
	return msg, nil
}
