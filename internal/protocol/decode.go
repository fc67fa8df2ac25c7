package protocol

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// ErrMalformedMessage marks payloads that do not parse: truncated fields,
// string lengths running past the end of the payload, unknown message
// codes, or bodies that fail to decompress.
var ErrMalformedMessage = errors.New("malformed message")

// reader walks a payload with a sticky error. After the first failure
// every read returns a zero value, so decoders can parse a whole message
// and check the error once.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) fail(format string, args ...any) {
	if r.err == nil {
		args = append(args, ErrMalformedMessage)
		r.err = fmt.Errorf(format+": %w", args...)
	}
}

func (r *reader) remaining() int {
	return len(r.buf) - r.off
}

func (r *reader) readUint8() uint8 {
	if r.err != nil {
		return 0
	}
	if r.remaining() < 1 {
		r.fail("short payload at offset %d", r.off)
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) readUint32() uint32 {
	if r.err != nil {
		return 0
	}
	if r.remaining() < 4 {
		r.fail("short payload at offset %d", r.off)
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) readUint64() uint64 {
	if r.err != nil {
		return 0
	}
	if r.remaining() < 8 {
		r.fail("short payload at offset %d", r.off)
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *reader) readBool() bool {
	return r.readUint8() != 0
}

func (r *reader) readString() string {
	n := r.readUint32()
	if r.err != nil {
		return ""
	}
	if n > uint32(r.remaining()) {
		r.fail("string length %d exceeds payload", n)
		return ""
	}
	s := string(r.buf[r.off : r.off+int(n)])
	r.off += int(n)
	return s
}

func (r *reader) readBytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.remaining() < n {
		r.fail("short payload at offset %d", r.off)
		return nil
	}
	p := r.buf[r.off : r.off+n]
	r.off += n
	return p
}

// DecodeServerMessage parses a payload a client received from the server.
func DecodeServerMessage(payload []byte) (ServerMessage, error) {
	r := &reader{buf: payload}
	code := ServerCode(r.readUint32())
	if r.err != nil {
		return nil, r.err
	}

	var m ServerMessage
	switch code {
	case CodeLogin:
		m = decodeLoginReply(r)
	case CodePeerAddress:
		m = decodePeerAddressReply(r)
	case CodePing:
		m = &Pong{}
	default:
		return nil, fmt.Errorf("unknown server message code %d: %w", uint32(code), ErrMalformedMessage)
	}
	if r.err != nil {
		return nil, fmt.Errorf("%v: %w", code, r.err)
	}
	return m, nil
}

// DecodeClientMessage parses a payload a server received from a client.
func DecodeClientMessage(payload []byte) (ServerMessage, error) {
	r := &reader{buf: payload}
	code := ServerCode(r.readUint32())
	if r.err != nil {
		return nil, r.err
	}

	var m ServerMessage
	switch code {
	case CodeLogin:
		m = decodeLogin(r)
	case CodeSetListenPort:
		m = decodeSetListenPort(r)
	case CodePeerAddress:
		m = decodePeerAddressRequest(r)
	case CodePing:
		m = &Ping{}
	case CodeSearch:
		m = decodeSearch(r)
	default:
		return nil, fmt.Errorf("unknown client message code %d: %w", uint32(code), ErrMalformedMessage)
	}
	if r.err != nil {
		return nil, fmt.Errorf("%v: %w", code, r.err)
	}
	return m, nil
}

// DecodePeerMessage parses a payload received on a peer message channel.
func DecodePeerMessage(payload []byte) (PeerMessage, error) {
	r := &reader{buf: payload}
	code := PeerCode(r.readUint32())
	if r.err != nil {
		return nil, r.err
	}

	var m PeerMessage
	switch code {
	case CodeSearchReply:
		reply, err := decodeSearchReply(payload[r.off:])
		if err != nil {
			return nil, fmt.Errorf("%v: %w", code, err)
		}
		return reply, nil
	case CodeTransferRequest:
		m = decodeTransferRequest(r)
	case CodeTransferReply:
		m = decodeTransferReply(r)
	case CodeQueuePosition:
		m = decodeQueuePosition(r)
	case CodeTransferFailed:
		m = decodeTransferFailed(r)
	default:
		return nil, fmt.Errorf("unknown peer message code %d: %w", uint32(code), ErrMalformedMessage)
	}
	if r.err != nil {
		return nil, fmt.Errorf("%v: %w", code, r.err)
	}
	return m, nil
}

// DecodePeerInit parses the handshake frame that opens a peer-dialed
// connection.
func DecodePeerInit(payload []byte) (*PeerInit, error) {
	r := &reader{buf: payload}
	code := r.readUint8()
	if r.err != nil {
		return nil, r.err
	}
	if code != initCodePeer {
		return nil, fmt.Errorf("unknown init code %d: %w", code, ErrMalformedMessage)
	}

	init := &PeerInit{}
	init.Username = r.readString()
	init.ConnType = r.readString()
	init.Token = r.readUint32()
	if r.err != nil {
		return nil, fmt.Errorf("peer init: %w", r.err)
	}
	if init.ConnType != ConnTypeMessage && init.ConnType != ConnTypeFile {
		return nil, fmt.Errorf("unknown connection type %q: %w", init.ConnType, ErrMalformedMessage)
	}
	return init, nil
}

// DecodeTransferTicket parses the file channel's opening frame.
func DecodeTransferTicket(payload []byte) (*TransferTicket, error) {
	r := &reader{buf: payload}
	t := &TransferTicket{}
	t.Token = r.readUint32()
	t.Offset = r.readUint64()
	if r.err != nil {
		return nil, fmt.Errorf("transfer ticket: %w", r.err)
	}
	return t, nil
}

func decodeLogin(r *reader) *Login {
	m := &Login{}
	m.Username = r.readString()
	m.Password = r.readString()
	m.Version = r.readUint32()
	return m
}

func decodeLoginReply(r *reader) *LoginReply {
	m := &LoginReply{}
	m.OK = r.readBool()
	m.Message = r.readString()
	return m
}

func decodeSetListenPort(r *reader) *SetListenPort {
	m := &SetListenPort{}
	m.Port = r.readUint32()
	return m
}

func decodePeerAddressRequest(r *reader) *PeerAddressRequest {
	m := &PeerAddressRequest{}
	m.Username = r.readString()
	return m
}

func decodePeerAddressReply(r *reader) *PeerAddressReply {
	m := &PeerAddressReply{}
	m.Username = r.readString()
	ip := r.readBytes(4)
	m.Port = r.readUint32()
	if r.err == nil {
		m.IP = net.IPv4(ip[0], ip[1], ip[2], ip[3])
	}
	return m
}

func decodeSearch(r *reader) *Search {
	m := &Search{}
	m.Token = r.readUint32()
	m.Query = r.readString()
	return m
}

func decodeSearchReply(body []byte) (*SearchReply, error) {
	plain, err := inflate(body)
	if err != nil {
		return nil, err
	}

	r := &reader{buf: plain}
	m := &SearchReply{}
	m.Username = r.readString()
	m.Token = r.readUint32()
	count := r.readUint32()
	for i := uint32(0); i < count && r.err == nil; i++ {
		f := SearchFile{}
		f.Path = r.readString()
		f.Size = r.readUint64()
		attrs := r.readUint32()
		for j := uint32(0); j < attrs && r.err == nil; j++ {
			f.Attrs = append(f.Attrs, FileAttr{
				Code:  r.readUint32(),
				Value: r.readUint32(),
			})
		}
		m.Files = append(m.Files, f)
	}
	m.SlotFree = r.readBool()
	m.AvgSpeed = r.readUint32()
	m.QueueLength = r.readUint32()
	if r.err != nil {
		return nil, r.err
	}
	return m, nil
}

func decodeTransferRequest(r *reader) *TransferRequest {
	m := &TransferRequest{}
	m.Token = r.readUint32()
	m.Path = r.readString()
	return m
}

func decodeTransferReply(r *reader) *TransferReply {
	m := &TransferReply{}
	m.Token = r.readUint32()
	m.Allowed = r.readBool()
	if m.Allowed {
		m.Size = r.readUint64()
	} else {
		m.Reason = r.readString()
	}
	return m
}

func decodeQueuePosition(r *reader) *QueuePosition {
	m := &QueuePosition{}
	m.Token = r.readUint32()
	m.Place = r.readUint32()
	return m
}

func decodeTransferFailed(r *reader) *TransferFailed {
	m := &TransferFailed{}
	m.Token = r.readUint32()
	m.Reason = r.readString()
	return m
}

// inflate decompresses a zlib body, capped at MaxFrameSize so a hostile
// peer cannot blow up memory with a tiny payload.
func inflate(p []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(p))
	if err != nil {
		return nil, fmt.Errorf("zlib header: %w", ErrMalformedMessage)
	}
	defer zr.Close()

	plain, err := io.ReadAll(io.LimitReader(zr, MaxFrameSize+1))
	if err != nil {
		return nil, fmt.Errorf("zlib body: %w", ErrMalformedMessage)
	}
	if len(plain) > MaxFrameSize {
		return nil, fmt.Errorf("decompressed body over %d bytes: %w", MaxFrameSize, ErrMalformedMessage)
	}
	return plain, nil
}
