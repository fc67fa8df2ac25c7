package protocol

import (
	"encoding/binary"
	"fmt"
)

// MaxFrameSize caps a single payload at 32 MiB. A length prefix above the
// cap cannot be skipped reliably, so the connection has to go.
const MaxFrameSize = 32 * 1024 * 1024

const frameHeaderLen = 4

// Frame prepends the little-endian length prefix to a payload.
func Frame(payload []byte) []byte {
	out := make([]byte, frameHeaderLen+len(payload))
	binary.LittleEndian.PutUint32(out, uint32(len(payload)))
	copy(out[frameHeaderLen:], payload)
	return out
}

// FrameBuffer reassembles frames from a byte stream that arrives in
// arbitrary chunks. Feed it with Write and drain it with Next.
type FrameBuffer struct {
	buf []byte
}

// Write appends stream bytes to the buffer. It never fails; the signature
// satisfies io.Writer.
func (fb *FrameBuffer) Write(p []byte) (int, error) {
	fb.buf = append(fb.buf, p...)
	return len(p), nil
}

// Next returns the payload of the next complete frame, or (nil, nil) when
// the buffer holds only a partial frame and more bytes are needed. A
// length prefix above MaxFrameSize is unrecoverable: the buffer cannot
// tell where the next frame would start, so the caller must drop the
// connection.
func (fb *FrameBuffer) Next() ([]byte, error) {
	if len(fb.buf) < frameHeaderLen {
		return nil, nil
	}
	size := binary.LittleEndian.Uint32(fb.buf)
	if size > MaxFrameSize {
		return nil, fmt.Errorf("frame length %d exceeds limit: %w", size, ErrMalformedMessage)
	}
	total := frameHeaderLen + int(size)
	if len(fb.buf) < total {
		return nil, nil
	}

	// Copy the payload out: the dispatch path may hold on to it after
	// the buffer reuses its array.
	payload := make([]byte, size)
	copy(payload, fb.buf[frameHeaderLen:total])
	fb.buf = fb.buf[total:]
	return payload, nil
}

// Buffered reports how many bytes are waiting for frame completion.
func (fb *FrameBuffer) Buffered() int {
	return len(fb.buf)
}
