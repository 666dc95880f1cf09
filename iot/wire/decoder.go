package wire

// Decoder accumulates a byte stream and splits it into frames. It is not safe
// for concurrent use; a device session owns exactly one.
type Decoder struct {
	maxBody int
	buf     []byte
}

// NewDecoder returns a decoder that rejects bodies longer than maxBody as
// malformed. A maxBody <= 0 or above MaxBodyLength accepts every frame.
func NewDecoder(maxBody int) *Decoder {
	if maxBody <= 0 || maxBody > MaxBodyLength {
		maxBody = MaxBodyLength
	}
	return &Decoder{maxBody: maxBody}
}

// Feed appends freshly read bytes to the receive buffer
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next returns the next complete frame. It returns ErrIncomplete when more
// bytes are needed and an error wrapping ErrMalformed when the buffered header
// is refused. After ErrMalformed the stream cannot be resynchronized.
func (d *Decoder) Next() (Message, error) {
	m, n, err := decode(d.buf, d.maxBody)
	if err != nil {
		return m, err
	}
	// shift the remainder to the front so the backing array is reused
	rest := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
	return m, nil
}

// Buffered returns the number of bytes waiting for a complete frame
func (d *Decoder) Buffered() int {
	return len(d.buf)
}
