package node

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jotraynor/seeknet/internal/client"
	"github.com/jotraynor/seeknet/internal/config"
	"github.com/jotraynor/seeknet/internal/ipc"
	"github.com/jotraynor/seeknet/internal/protocol"
	"github.com/jotraynor/seeknet/internal/search"
	"github.com/jotraynor/seeknet/internal/session"
	"github.com/jotraynor/seeknet/internal/store"
	"github.com/jotraynor/seeknet/internal/transfer"
	"github.com/jotraynor/seeknet/internal/transport"
	"github.com/sirupsen/logrus"
)

// fakeNetwork stands in for everything outside the daemon: the central
// server, and one peer ("bob") sharing a single file. Search replies
// arrive the way real ones do, on a fresh connection bob dials to the
// port the daemon advertised.
type fakeNetwork struct {
	t *testing.T

	serverAddr string
	peerAddr   string

	fileData      []byte
	filePath      string
	declineReason string

	nodePort atomic.Int32
}

func startFakeNetwork(t *testing.T, fileData []byte, declineReason string) *fakeNetwork {
	t.Helper()

	f := &fakeNetwork{
		t:             t,
		fileData:      fileData,
		filePath:      "music\\shared\\track.mp3",
		declineReason: declineReason,
	}

	serverLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("server listen failed: %v", err)
	}
	t.Cleanup(func() { _ = serverLn.Close() })
	f.serverAddr = serverLn.Addr().String()

	peerLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("peer listen failed: %v", err)
	}
	t.Cleanup(func() { _ = peerLn.Close() })
	f.peerAddr = peerLn.Addr().String()

	go acceptLoop(serverLn, f.serveServer)
	go acceptLoop(peerLn, f.servePeer)
	return f
}

func acceptLoop(ln net.Listener, handle func(net.Conn)) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		go handle(nc)
	}
}

// readFrame returns nil once the remote hangs up, which is how the fake
// loops end at test teardown.
func readFrame(nc net.Conn) []byte {
	_ = nc.SetReadDeadline(time.Now().Add(5 * time.Second))
	var header [4]byte
	if _, err := io.ReadFull(nc, header[:]); err != nil {
		return nil
	}
	payload := make([]byte, binary.LittleEndian.Uint32(header[:]))
	if _, err := io.ReadFull(nc, payload); err != nil {
		return nil
	}
	return payload
}

func writeFrame(nc net.Conn, payload []byte) {
	_, _ = nc.Write(protocol.Frame(payload))
}

func (f *fakeNetwork) serveServer(nc net.Conn) {
	defer func() { _ = nc.Close() }()

	for {
		payload := readFrame(nc)
		if payload == nil {
			return
		}
		msg, err := protocol.DecodeClientMessage(payload)
		if err != nil {
			f.t.Errorf("fake server: bad frame: %v", err)
			return
		}

		switch m := msg.(type) {
		case *protocol.Login:
			writeFrame(nc, protocol.EncodeServer(&protocol.LoginReply{OK: true, Message: "welcome"}))
		case *protocol.SetListenPort:
			f.nodePort.Store(int32(m.Port))
		case *protocol.Ping:
			writeFrame(nc, protocol.EncodeServer(&protocol.Pong{}))
		case *protocol.PeerAddressRequest:
			reply := &protocol.PeerAddressReply{Username: m.Username}
			if m.Username == "bob" {
				host, port := splitAddr(f.t, f.peerAddr)
				reply.IP = net.ParseIP(host)
				reply.Port = port
			}
			writeFrame(nc, protocol.EncodeServer(reply))
		case *protocol.Search:
			go f.answerSearch(m.Token)
		}
	}
}

// answerSearch plays bob answering a fanned-out query.
func (f *fakeNetwork) answerSearch(token uint32) {
	port := f.nodePort.Load()
	if port == 0 {
		f.t.Errorf("search arrived before the daemon advertised its port")
		return
	}
	nc, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		f.t.Errorf("dialing the daemon back: %v", err)
		return
	}
	defer func() { _ = nc.Close() }()

	writeFrame(nc, protocol.EncodePeerInit(protocol.PeerInit{Username: "bob", ConnType: protocol.ConnTypeMessage}))
	writeFrame(nc, protocol.EncodePeer(&protocol.SearchReply{
		Username: "bob",
		Token:    token,
		Files: []protocol.SearchFile{{
			Path:  f.filePath,
			Size:  uint64(len(f.fileData)),
			Attrs: []protocol.FileAttr{{Code: protocol.AttrBitrate, Value: 320}},
		}},
		SlotFree: true,
		AvgSpeed: 100,
	}))
}

func (f *fakeNetwork) servePeer(nc net.Conn) {
	defer func() { _ = nc.Close() }()

	payload := readFrame(nc)
	if payload == nil {
		return
	}
	init, err := protocol.DecodePeerInit(payload)
	if err != nil {
		f.t.Errorf("fake peer: bad init: %v", err)
		return
	}

	switch init.ConnType {
	case protocol.ConnTypeMessage:
		for {
			payload := readFrame(nc)
			if payload == nil {
				return
			}
			msg, err := protocol.DecodePeerMessage(payload)
			if err != nil {
				f.t.Errorf("fake peer: bad frame: %v", err)
				return
			}
			req, ok := msg.(*protocol.TransferRequest)
			if !ok {
				continue
			}
			if f.declineReason != "" {
				writeFrame(nc, protocol.EncodePeer(&protocol.TransferReply{Token: req.Token, Allowed: false, Reason: f.declineReason}))
				continue
			}
			writeFrame(nc, protocol.EncodePeer(&protocol.TransferReply{Token: req.Token, Allowed: true, Size: uint64(len(f.fileData))}))
		}
	case protocol.ConnTypeFile:
		payload := readFrame(nc)
		if payload == nil {
			return
		}
		if _, err := protocol.DecodeTransferTicket(payload); err != nil {
			f.t.Errorf("fake peer: bad ticket: %v", err)
			return
		}
		if _, err := nc.Write(f.fileData); err != nil {
			f.t.Errorf("fake peer: stream failed: %v", err)
		}
	}
}

func splitAddr(t *testing.T, addr string) (string, uint32) {
	t.Helper()

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Errorf("split %s: %v", addr, err)
		return "", 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, uint32(port)
}

func startTestNode(t *testing.T, f *fakeNetwork) (*Node, *config.Config) {
	t.Helper()

	tmp := t.TempDir()
	cfg := &config.Config{
		Username:     "alice",
		Password:     "hunter2",
		ServerAddr:   f.serverAddr,
		ListenPort:   0,
		SocketPath:   filepath.Join(tmp, "seeknet.sock"),
		DownloadsDir: filepath.Join(tmp, "downloads"),
		SearchWindow: 400 * time.Millisecond,
		LogLevel:     "error",
	}

	st, err := store.Open(filepath.Join(tmp, "history.sqlite3"))
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	n := New(Options{Config: cfg, Store: st, Logger: log})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := n.Start(ctx); err != nil {
			t.Errorf("daemon start: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("daemon did not stop in time")
		}
	})

	waitForSocket(t, cfg.SocketPath)
	return n, cfg
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", path); err == nil {
			_ = conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("daemon socket never came up")
}

// dialNodePeerPort warms the session up so the daemon advertises its
// listen port, then dials it like a stranger on the network would.
func dialNodePeerPort(t *testing.T, f *fakeNetwork, cfg *config.Config) net.Conn {
	t.Helper()

	if _, err := client.New(cfg.SocketPath).Search("warmup", 1); err != nil {
		t.Fatalf("warm-up search failed: %v", err)
	}
	port := f.nodePort.Load()
	if port == 0 {
		t.Fatal("the daemon never advertised its listen port")
	}

	nc, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("dialing the daemon's peer port: %v", err)
	}
	t.Cleanup(func() { _ = nc.Close() })
	return nc
}

func TestDaemonSearchEndToEnd(t *testing.T) {
	data := []byte("la la la")
	f := startFakeNetwork(t, data, "")
	_, cfg := startTestNode(t, f)

	results, err := client.New(cfg.SocketPath).Search("track", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Expected 1 result, got %d", len(results))
	}

	r := results[0]
	if r.Peer != "bob" || r.Path != f.filePath {
		t.Fatalf("Unexpected result: %+v", r)
	}
	if r.Size != uint64(len(data)) || r.Bitrate != 320 || !r.SlotFree {
		t.Fatalf("Result fields did not carry over: %+v", r)
	}
}

func TestDaemonDownloadEndToEnd(t *testing.T) {
	data := bytes.Repeat([]byte("seeknet"), 2000)
	f := startFakeNetwork(t, data, "")
	_, cfg := startTestNode(t, f)

	var states []string
	resp, err := client.New(cfg.SocketPath).Download("bob", f.filePath, time.Minute, func(p ipc.DownloadProgress) {
		states = append(states, p.State)
	})
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	want := filepath.Join(cfg.DownloadsDir, "track.mp3")
	if resp.SavedPath != want {
		t.Fatalf("Expected saved path %s, got %s", want, resp.SavedPath)
	}
	if resp.ByteCount != int64(len(data)) {
		t.Fatalf("Expected %d bytes, got %d", len(data), resp.ByteCount)
	}

	got, err := os.ReadFile(resp.SavedPath)
	if err != nil {
		t.Fatalf("reading the download: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("Downloaded bytes do not match the shared file")
	}
	if len(states) == 0 {
		t.Fatal("Expected progress events during the download")
	}

	history, err := client.New(cfg.SocketPath).History(10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history.Transfers) != 1 {
		t.Fatalf("Expected one transfer in history, got %d", len(history.Transfers))
	}
	tr := history.Transfers[0]
	if tr.State != "complete" || tr.Transferred != int64(len(data)) {
		t.Fatalf("Unexpected history row: %+v", tr)
	}
}

func TestDaemonDownloadRejected(t *testing.T) {
	f := startFakeNetwork(t, []byte("unused"), "no free slots")
	_, cfg := startTestNode(t, f)

	_, err := client.New(cfg.SocketPath).Download("bob", f.filePath, time.Minute, nil)
	var ce *client.Error
	if !errors.As(err, &ce) {
		t.Fatalf("Expected a *client.Error, got %T: %v", err, err)
	}
	if ce.Kind != ipc.ErrKindRejected {
		t.Fatalf("Expected kind %q, got %q", ipc.ErrKindRejected, ce.Kind)
	}

	// The downloads directory is only created when a transfer is
	// accepted, so a rejection leaves nothing behind.
	if entries, err := os.ReadDir(cfg.DownloadsDir); err == nil && len(entries) > 0 {
		t.Fatalf("Expected no files after a rejection, found %d", len(entries))
	}
}

func TestDaemonStatusFollowsSession(t *testing.T) {
	f := startFakeNetwork(t, nil, "")
	_, cfg := startTestNode(t, f)

	status, err := client.New(cfg.SocketPath).Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Connected || status.Identity != "" {
		t.Fatalf("Expected a disconnected status before any operation, got %+v", status)
	}

	if _, err := client.New(cfg.SocketPath).Search("anything", 1); err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	status, err = client.New(cfg.SocketPath).Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !status.Connected || status.Identity != "alice" {
		t.Fatalf("Expected a live session as alice, got %+v", status)
	}
}

func TestDaemonSearchLimitZeroSkipsNetwork(t *testing.T) {
	f := startFakeNetwork(t, nil, "")
	_, cfg := startTestNode(t, f)

	results, err := client.New(cfg.SocketPath).Search("anything", 0)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("Expected no results, got %d", len(results))
	}

	status, err := client.New(cfg.SocketPath).Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Connected {
		t.Fatal("A zero-limit search must not touch the network")
	}
}

func TestDaemonDeclinesInboundTransferRequest(t *testing.T) {
	f := startFakeNetwork(t, nil, "")
	_, cfg := startTestNode(t, f)
	nc := dialNodePeerPort(t, f, cfg)

	writeFrame(nc, protocol.EncodePeerInit(protocol.PeerInit{Username: "mallory", ConnType: protocol.ConnTypeMessage}))
	writeFrame(nc, protocol.EncodePeer(&protocol.TransferRequest{Token: 777, Path: "anything.mp3"}))

	payload := readFrame(nc)
	if payload == nil {
		t.Fatal("Expected a reply to the transfer request")
	}
	msg, err := protocol.DecodePeerMessage(payload)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	failed, ok := msg.(*protocol.TransferFailed)
	if !ok {
		t.Fatalf("Expected *protocol.TransferFailed, got %T", msg)
	}
	if failed.Token != 777 || failed.Reason != "no shared files" {
		t.Fatalf("Unexpected decline: %+v", failed)
	}
}

func TestDaemonRefusesInboundFileConn(t *testing.T) {
	f := startFakeNetwork(t, nil, "")
	_, cfg := startTestNode(t, f)
	nc := dialNodePeerPort(t, f, cfg)

	writeFrame(nc, protocol.EncodePeerInit(protocol.PeerInit{Username: "mallory", ConnType: protocol.ConnTypeFile, Token: 5}))

	_ = nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := nc.Read(buf); err == nil {
		t.Fatal("Expected the daemon to close an inbound file connection")
	}
}

func TestSavedName(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "C:\\music\\Artist - Song.mp3", want: "Artist - Song.mp3"},
		{in: "music\\album\\track.mp3", want: "track.mp3"},
		{in: "folder/track.ogg", want: "track.ogg"},
		{in: "plain.flac", want: "plain.flac"},
		{in: "mixed\\sep/track.wav", want: "track.wav"},
		{in: "trailing\\", want: "trailing"},
		{in: "", wantErr: true},
		{in: "\\", wantErr: true},
		{in: "..", wantErr: true},
		{in: "a\\..", wantErr: true},
	}

	for _, c := range cases {
		got, err := SavedName(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("SavedName(%q): expected an error, got %q", c.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("SavedName(%q) failed: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("SavedName(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("x: %w", config.ErrMissingCredentials), ipc.ErrKindConfiguration},
		{fmt.Errorf("x: %w", session.ErrAuthenticationFailed), ipc.ErrKindAuthentication},
		{fmt.Errorf("x: %w", transport.ErrConnectFailed), ipc.ErrKindConnection},
		{fmt.Errorf("x: %w", session.ErrConnectionLost), ipc.ErrKindConnection},
		{fmt.Errorf("x: %w", transfer.ErrPeerUnreachable), ipc.ErrKindConnection},
		{fmt.Errorf("x: %w", protocol.ErrMalformedMessage), ipc.ErrKindMalformed},
		{fmt.Errorf("x: %w", search.ErrSearchFailed), ipc.ErrKindSearch},
		{fmt.Errorf("x: %w", transfer.ErrTransferRejected), ipc.ErrKindRejected},
		{fmt.Errorf("x: %w", transfer.ErrStreamError), ipc.ErrKindStream},
		{errors.New("anything else"), ipc.ErrKindInternal},
	}

	for _, c := range cases {
		if got := classify(c.err); got != c.want {
			t.Errorf("classify(%v) = %q, want %q", c.err, got, c.want)
		}
	}
}
