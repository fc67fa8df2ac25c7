// Package protocol implements the seeknet wire format.
//
// Every message travels as a frame: a uint32 little-endian payload length
// followed by the payload itself. There is no padding or alignment between
// fields. Integers are fixed-width little-endian, booleans are a single
// byte (0 or 1), and strings are a uint32 byte length followed by UTF-8
// bytes.
//
// Three channels share the framing but carry different payloads:
//
//   - server channel: uint32 message code, then the message body
//   - peer message channel: uint32 message code, then the message body,
//     opened by the dialer with a PeerInit frame (uint8 code)
//   - file channel: a PeerInit frame, a TransferTicket frame, then the
//     raw file bytes unframed until the sender closes the connection
package protocol

import "net"

// ProtocolVersion is sent with every login so the server can refuse
// clients it no longer understands.
const ProtocolVersion uint32 = 1

// ServerCode identifies a message on the client<->server channel. Codes
// are shared between directions; the direction disambiguates (code 1 is
// Login upstream and LoginReply downstream).
type ServerCode uint32

const (
	CodeLogin         ServerCode = 1
	CodeSetListenPort ServerCode = 2
	CodePeerAddress   ServerCode = 3
	CodePing          ServerCode = 4
	CodeSearch        ServerCode = 26
)

func (c ServerCode) String() string {
	switch c {
	case CodeLogin:
		return "LOGIN"
	case CodeSetListenPort:
		return "SET_LISTEN_PORT"
	case CodePeerAddress:
		return "PEER_ADDRESS"
	case CodePing:
		return "PING"
	case CodeSearch:
		return "SEARCH"
	default:
		return "UNKNOWN"
	}
}

// PeerCode identifies a message on the peer message channel. The channel
// is symmetric: either side may send any of these.
type PeerCode uint32

const (
	CodeSearchReply     PeerCode = 9
	CodeTransferRequest PeerCode = 40
	CodeTransferReply   PeerCode = 41
	CodeQueuePosition   PeerCode = 44
	CodeTransferFailed  PeerCode = 46
)

func (c PeerCode) String() string {
	switch c {
	case CodeSearchReply:
		return "SEARCH_REPLY"
	case CodeTransferRequest:
		return "TRANSFER_REQUEST"
	case CodeTransferReply:
		return "TRANSFER_REPLY"
	case CodeQueuePosition:
		return "QUEUE_POSITION"
	case CodeTransferFailed:
		return "TRANSFER_FAILED"
	default:
		return "UNKNOWN"
	}
}

// Connection types carried by PeerInit.
const (
	ConnTypeMessage = "P"
	ConnTypeFile    = "F"
)

// File attribute codes reported in search results.
const (
	AttrBitrate  uint32 = 0
	AttrDuration uint32 = 1
)

// ServerMessage is any message that travels on the server channel.
type ServerMessage interface {
	serverCode() ServerCode
	appendBody(b *builder)
}

// PeerMessage is any message that travels on the peer message channel.
type PeerMessage interface {
	peerCode() PeerCode
	appendBody(b *builder)
}

// Login authenticates the session. Upstream.
type Login struct {
	Username string
	Password string
	Version  uint32
}

func (Login) serverCode() ServerCode { return CodeLogin }

// LoginReply reports the outcome of a Login. Downstream.
type LoginReply struct {
	OK      bool
	Message string
}

func (LoginReply) serverCode() ServerCode { return CodeLogin }

// SetListenPort tells the server where peers can reach us. Upstream.
type SetListenPort struct {
	Port uint32
}

func (SetListenPort) serverCode() ServerCode { return CodeSetListenPort }

// PeerAddressRequest asks the server for a peer's listen address.
// Upstream.
type PeerAddressRequest struct {
	Username string
}

func (PeerAddressRequest) serverCode() ServerCode { return CodePeerAddress }

// PeerAddressReply carries a peer's listen address. A zero IP and port
// mean the peer is offline or unknown. Downstream.
type PeerAddressReply struct {
	Username string
	IP       net.IP
	Port     uint32
}

func (PeerAddressReply) serverCode() ServerCode { return CodePeerAddress }

// Ping keeps the session alive. Upstream.
type Ping struct{}

func (Ping) serverCode() ServerCode { return CodePing }

// Pong acknowledges a Ping. Downstream.
type Pong struct{}

func (Pong) serverCode() ServerCode { return CodePing }

// Search asks the server to fan a query out to peers. Matches come back
// asynchronously on peer connections, correlated by Token.
type Search struct {
	Token uint32
	Query string
}

func (Search) serverCode() ServerCode { return CodeSearch }

// PeerInit is the first frame on every peer-dialed connection. Token
// correlates file connections with their transfer and is zero on message
// connections.
type PeerInit struct {
	Username string
	ConnType string
	Token    uint32
}

// FileAttr is one optional attribute of a shared file.
type FileAttr struct {
	Code  uint32
	Value uint32
}

// SearchFile describes one file in a search reply. Path uses the sharing
// peer's native separators.
type SearchFile struct {
	Path  string
	Size  uint64
	Attrs []FileAttr
}

// Bitrate returns the reported bitrate in kbit/s, if any.
func (f SearchFile) Bitrate() (uint32, bool) { return f.attr(AttrBitrate) }

// Duration returns the reported duration in seconds, if any.
func (f SearchFile) Duration() (uint32, bool) { return f.attr(AttrDuration) }

func (f SearchFile) attr(code uint32) (uint32, bool) {
	for _, a := range f.Attrs {
		if a.Code == code {
			return a.Value, true
		}
	}
	return 0, false
}

// SearchReply carries one peer's matches for a search token. The body is
// zlib-compressed on the wire; replies can list thousands of files.
type SearchReply struct {
	Username    string
	Token       uint32
	Files       []SearchFile
	SlotFree    bool
	AvgSpeed    uint32
	QueueLength uint32
}

func (SearchReply) peerCode() PeerCode { return CodeSearchReply }

// TransferRequest asks a peer to send a file.
type TransferRequest struct {
	Token uint32
	Path  string
}

func (TransferRequest) peerCode() PeerCode { return CodeTransferRequest }

// TransferReply answers a TransferRequest. Size is only meaningful when
// Allowed is true, Reason only when it is false.
type TransferReply struct {
	Token   uint32
	Allowed bool
	Size    uint64
	Reason  string
}

func (TransferReply) peerCode() PeerCode { return CodeTransferReply }

// QueuePosition reports where a queued transfer stands. Place counts from
// one; lower is sooner.
type QueuePosition struct {
	Token uint32
	Place uint32
}

func (QueuePosition) peerCode() PeerCode { return CodeQueuePosition }

// TransferFailed aborts a pending transfer.
type TransferFailed struct {
	Token  uint32
	Reason string
}

func (TransferFailed) peerCode() PeerCode { return CodeTransferFailed }

// TransferTicket is the only framed message on the file channel. The raw
// file bytes follow it, starting at Offset within the remote file.
type TransferTicket struct {
	Token  uint32
	Offset uint64
}
