package wire

import (
	"bytes"
	"fmt"
	"time"
)

// Opcode is the frame type
type Opcode uint8

// The opcodes known to the ingestion tier. The opcode space is open-ended.
const (
	OpHello Opcode = 0x01
	OpData  Opcode = 0x02
	OpPing  Opcode = 0x03
	OpPong  Opcode = 0x04
	OpAck   Opcode = 0x05
	OpError Opcode = 0x06
)

func (o Opcode) String() string {
	switch o {
	case OpHello:
		return "HELLO"
	case OpData:
		return "DATA"
	case OpPing:
		return "PING"
	case OpPong:
		return "PONG"
	case OpAck:
		return "ACK"
	case OpError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(o))
	}
}

// Reason codes carried in the first body byte of an ERROR frame
const (
	ReasonAuthenticationFailed uint8 = 0x01
	ReasonProtocolViolation    uint8 = 0x02
	ReasonNotAuthenticated     uint8 = 0x03
	ReasonSuperseded           uint8 = 0x04
	ReasonShutdown             uint8 = 0x05
)

// Message is a single wire protocol unit. Treat it as immutable once
// constructed, Decode hands out a body that does not alias the input buffer.
type Message struct {
	Type   Opcode
	ID     uint16
	Length uint16
	Body   []byte
	// Timestamp is the local receipt time, it is not part of the wire bytes
	Timestamp time.Time
}

// NewMessage returns a consistent message with Length set from the body.
// Bodies longer than MaxBodyLength are rejected.
func NewMessage(op Opcode, id uint16, body []byte) (Message, error) {
	if len(body) > MaxBodyLength {
		return Message{}, fmt.Errorf("body of %d bytes exceeds %d", len(body), MaxBodyLength)
	}
	b := make([]byte, len(body))
	copy(b, body)
	return Message{Type: op, ID: id, Length: uint16(len(body)), Body: b}, nil
}

// ErrorMessage builds an ERROR frame with a reason code and an optional text
func ErrorMessage(id uint16, reason uint8, text string) Message {
	body := append([]byte{reason}, text...)
	if len(body) > MaxBodyLength {
		body = body[:MaxBodyLength]
	}
	return Message{Type: OpError, ID: id, Length: uint16(len(body)), Body: body}
}

// Equal reports whether two messages carry the same wire content. The
// receipt timestamp is ignored.
func (m Message) Equal(o Message) bool {
	return m.Type == o.Type && m.ID == o.ID && m.Length == o.Length && bytes.Equal(m.Body, o.Body)
}

func (m Message) String() string {
	return fmt.Sprintf("%s id=%d len=%d", m.Type, m.ID, m.Length)
}
