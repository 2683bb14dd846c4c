package opamp

import "encoding/binary"

// Frames on the stream transport are length-prefixed: a uvarint byte
// count followed by exactly that many bytes of encoded message. One
// websocket binary message carries exactly one frame.

// EncodeFrame wraps an encoded message body in a length prefix.
func EncodeFrame(body []byte) []byte {
	frame := binary.AppendUvarint(nil, uint64(len(body)))
	return append(frame, body...)
}

// DecodeFrame strips the length prefix and returns the message body.
// The frame must contain exactly one message; trailing bytes are a
// wire format violation. maxSize bounds the declared body length
// before any allocation happens (0 means unbounded).
func DecodeFrame(frame []byte, maxSize int) ([]byte, error) {
	size, n := binary.Uvarint(frame)
	if n <= 0 {
		return nil, wireErrorf("frame: invalid length prefix")
	}
	if maxSize > 0 && size > uint64(maxSize) {
		return nil, wireErrorf("frame: declared size %d exceeds limit %d", size, maxSize)
	}
	body := frame[n:]
	if uint64(len(body)) < size {
		return nil, wireErrorf("frame: truncated, declared %d bytes but got %d", size, len(body))
	}
	if uint64(len(body)) > size {
		return nil, wireErrorf("frame: %d trailing bytes", uint64(len(body))-size)
	}
	return body, nil
}
