package sink

import (
	"fmt"

	"github.com/lustre-irods/connector/encoding"
	"github.com/lustre-irods/connector/notify"
)

const (
	FormatMsgpack  = "msgpack"
	FormatDebezium = "debezium"
)

// Encoder turns a signal into the bytes published by an Announcer
type Encoder interface {
	Encode(sig notify.Signal) ([]byte, error)
}

// NewEncoder returns the encoder for format. compress applies to msgpack
// payloads only.
func NewEncoder(format string, compress bool) (Encoder, error) {
	switch format {
	case "", FormatMsgpack:
		return &msgpackEncoder{compress: compress}, nil
	case FormatDebezium:
		return NewDebeziumEncoder(), nil
	default:
		return nil, fmt.Errorf("unknown announcement format: %s", format)
	}
}

func knownFormat(format string) bool {
	return format == FormatMsgpack || format == FormatDebezium
}

type msgpackEncoder struct {
	compress bool
}

func (e *msgpackEncoder) Encode(sig notify.Signal) ([]byte, error) {
	return encoding.MarshalFramed(sig.Payload, e.compress)
}
