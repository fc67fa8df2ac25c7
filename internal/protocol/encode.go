package protocol

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"net"
)

// initCodePeer is the only handshake code defined so far.
const initCodePeer uint8 = 1

type builder struct {
	buf []byte
}

func newBuilder() *builder {
	return &builder{buf: make([]byte, 0, 64)}
}

func (b *builder) bytes() []byte { return b.buf }

func (b *builder) writeUint8(v uint8) {
	b.buf = append(b.buf, v)
}

func (b *builder) writeUint32(v uint32) {
	b.buf = binary.LittleEndian.AppendUint32(b.buf, v)
}

func (b *builder) writeUint64(v uint64) {
	b.buf = binary.LittleEndian.AppendUint64(b.buf, v)
}

func (b *builder) writeBool(v bool) {
	if v {
		b.writeUint8(1)
	} else {
		b.writeUint8(0)
	}
}

func (b *builder) writeString(s string) {
	b.writeUint32(uint32(len(s)))
	b.buf = append(b.buf, s...)
}

func (b *builder) writeBytes(p []byte) {
	b.buf = append(b.buf, p...)
}

// EncodeServer returns the payload of a server channel message, ready for
// framing.
func EncodeServer(m ServerMessage) []byte {
	b := newBuilder()
	b.writeUint32(uint32(m.serverCode()))
	m.appendBody(b)
	return b.bytes()
}

// EncodePeer returns the payload of a peer message channel message.
func EncodePeer(m PeerMessage) []byte {
	b := newBuilder()
	b.writeUint32(uint32(m.peerCode()))
	m.appendBody(b)
	return b.bytes()
}

// EncodePeerInit returns the payload of the handshake frame that opens
// every peer-dialed connection.
func EncodePeerInit(init PeerInit) []byte {
	b := newBuilder()
	b.writeUint8(initCodePeer)
	b.writeString(init.Username)
	b.writeString(init.ConnType)
	b.writeUint32(init.Token)
	return b.bytes()
}

// EncodeTransferTicket returns the payload of the file channel's opening
// frame. The ticket is the channel's only message, so it carries no code.
func EncodeTransferTicket(t TransferTicket) []byte {
	b := newBuilder()
	b.writeUint32(t.Token)
	b.writeUint64(t.Offset)
	return b.bytes()
}

func (m Login) appendBody(b *builder) {
	b.writeString(m.Username)
	b.writeString(m.Password)
	b.writeUint32(m.Version)
}

func (m LoginReply) appendBody(b *builder) {
	b.writeBool(m.OK)
	b.writeString(m.Message)
}

func (m SetListenPort) appendBody(b *builder) {
	b.writeUint32(m.Port)
}

func (m PeerAddressRequest) appendBody(b *builder) {
	b.writeString(m.Username)
}

func (m PeerAddressReply) appendBody(b *builder) {
	b.writeString(m.Username)
	ip := m.IP.To4()
	if ip == nil {
		ip = net.IPv4zero.To4()
	}
	b.writeBytes(ip)
	b.writeUint32(m.Port)
}

func (Ping) appendBody(*builder) {}

func (Pong) appendBody(*builder) {}

func (m Search) appendBody(b *builder) {
	b.writeUint32(m.Token)
	b.writeString(m.Query)
}

func (m SearchReply) appendBody(b *builder) {
	inner := newBuilder()
	inner.writeString(m.Username)
	inner.writeUint32(m.Token)
	inner.writeUint32(uint32(len(m.Files)))
	for _, f := range m.Files {
		inner.writeString(f.Path)
		inner.writeUint64(f.Size)
		inner.writeUint32(uint32(len(f.Attrs)))
		for _, a := range f.Attrs {
			inner.writeUint32(a.Code)
			inner.writeUint32(a.Value)
		}
	}
	inner.writeBool(m.SlotFree)
	inner.writeUint32(m.AvgSpeed)
	inner.writeUint32(m.QueueLength)
	b.writeBytes(deflate(inner.bytes()))
}

func (m TransferRequest) appendBody(b *builder) {
	b.writeUint32(m.Token)
	b.writeString(m.Path)
}

// The reply body depends on the verdict: an accept carries the file size,
// a rejection carries the reason.
func (m TransferReply) appendBody(b *builder) {
	b.writeUint32(m.Token)
	b.writeBool(m.Allowed)
	if m.Allowed {
		b.writeUint64(m.Size)
	} else {
		b.writeString(m.Reason)
	}
}

func (m QueuePosition) appendBody(b *builder) {
	b.writeUint32(m.Token)
	b.writeUint32(m.Place)
}

func (m TransferFailed) appendBody(b *builder) {
	b.writeUint32(m.Token)
	b.writeString(m.Reason)
}

// deflate zlib-compresses p. Writes to a bytes.Buffer cannot fail.
func deflate(p []byte) []byte {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	zw.Write(p)
	zw.Close()
	return buf.Bytes()
}
