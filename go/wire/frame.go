package wire

import "io"

// ReadOpcode reads the 4-byte opcode that opens every request.
func ReadOpcode(r io.Reader) (Opcode, error) {
	v, err := readUint32(r)
	if err != nil {
		return 0, NewIoError("read opcode", err)
	}
	return Opcode(v), nil
}

// WriteOpcode writes a request's opening opcode.
func WriteOpcode(w io.Writer, op Opcode) error {
	return writeUint32(w, uint32(op))
}

// ReadPayloadSize reads the payload_size field that follows the opcode for
// variable-payload operations, rejecting a declared size above the
// recipient's scratch buffer before a single payload byte is read.
func ReadPayloadSize(r io.Reader) (uint32, error) {
	size, err := readUint32(r)
	if err != nil {
		return 0, NewIoError("read payload_size", err)
	}
	if size > MaxPayloadBytes {
		return 0, NewProtocolError("payload_size %d exceeds scratch buffer (%d)", size, MaxPayloadBytes)
	}
	return size, nil
}

// WritePayloadSize writes a request's payload_size field.
func WritePayloadSize(w io.Writer, size uint32) error {
	return writeUint32(w, size)
}

// ReadPayload reads exactly size bytes into buf[:size], reusing buf's
// backing array (a worker thread's private scratch buffer) instead of
// allocating per request.
func ReadPayload(r io.Reader, buf []byte, size uint32) ([]byte, error) {
	if uint32(cap(buf)) < size {
		buf = make([]byte, size)
	}
	buf = buf[:size]
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, NewIoError("read payload", err)
	}
	return buf, nil
}
