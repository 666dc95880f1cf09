package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	// HeaderLength is the size of the fixed frame header
	HeaderLength = 5
	// MaxBodyLength is the largest body the length field can describe
	MaxBodyLength = 0xffff
)

var (
	// ErrIncomplete means the buffer does not hold a complete frame yet. The
	// caller must buffer more bytes and try again.
	ErrIncomplete = errors.New("incomplete frame")
	// ErrMalformed means the header declares a frame the decoder refuses.
	ErrMalformed = errors.New("malformed frame")
)

// Decode decodes the first frame in buf. It returns the message and the
// number of bytes consumed, or ErrIncomplete if buf is too short. Decode
// never returns ErrMalformed since every header shape is valid.
func Decode(buf []byte) (Message, int, error) {
	return decode(buf, MaxBodyLength)
}

func decode(buf []byte, maxBody int) (Message, int, error) {
	if len(buf) < HeaderLength {
		return Message{}, 0, ErrIncomplete
	}
	length := binary.BigEndian.Uint16(buf[3:5])
	if int(length) > maxBody {
		return Message{}, 0, fmt.Errorf("%w: declared body length %d exceeds %d", ErrMalformed, length, maxBody)
	}
	total := HeaderLength + int(length)
	if len(buf) < total {
		return Message{}, 0, ErrIncomplete
	}
	body := make([]byte, length)
	copy(body, buf[HeaderLength:total])
	return Message{
		Type:      Opcode(buf[0]),
		ID:        binary.BigEndian.Uint16(buf[1:3]),
		Length:    length,
		Body:      body,
		Timestamp: time.Now(),
	}, total, nil
}

// Encode returns the wire representation of m, exactly 5+Length bytes. It
// fails if the body does not match the declared length.
func Encode(m Message) ([]byte, error) {
	if len(m.Body) != int(m.Length) {
		return nil, fmt.Errorf("inconsistent message: length %d, body %d bytes", m.Length, len(m.Body))
	}
	buf := make([]byte, HeaderLength+len(m.Body))
	buf[0] = byte(m.Type)
	binary.BigEndian.PutUint16(buf[1:3], m.ID)
	binary.BigEndian.PutUint16(buf[3:5], m.Length)
	copy(buf[HeaderLength:], m.Body)
	return buf, nil
}
