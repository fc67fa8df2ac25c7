package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jotraynor/seeknet/internal/protocol"
)

type fakeLink struct {
	mu   sync.Mutex
	sent [][]byte
	err  error
}

func (f *fakeLink) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeLink) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// token decodes the nth sent payload and returns its search token.
func (f *fakeLink) token(n int) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n >= len(f.sent) {
		return 0, fmt.Errorf("only %d sends recorded", len(f.sent))
	}

	msg, err := protocol.DecodeClientMessage(f.sent[n])
	if err != nil {
		return 0, err
	}
	search, ok := msg.(*protocol.Search)
	if !ok {
		return 0, fmt.Errorf("expected *protocol.Search, got %T", msg)
	}
	return search.Token, nil
}

func (f *fakeLink) tokenOf(t *testing.T, n int) uint32 {
	t.Helper()

	tok, err := f.token(n)
	if err != nil {
		t.Fatalf("Sent payload %d: %v", n, err)
	}
	return tok
}

func newTestCoordinator(window time.Duration) (*Coordinator, *fakeLink) {
	link := &fakeLink{}
	c := New(Options{Server: link, Window: window})
	return c, link
}

// deliverSoon waits for the search frame to go out, then feeds replies
// built by fill into the coordinator.
func deliverSoon(t *testing.T, c *Coordinator, link *fakeLink, fill func(token uint32) []*protocol.SearchReply) {
	t.Helper()

	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for link.sentCount() == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		if link.sentCount() == 0 {
			t.Error("Search frame never went out")
			return
		}
		token, err := link.token(0)
		if err != nil {
			t.Errorf("Sent payload: %v", err)
			return
		}
		for _, reply := range fill(token) {
			c.Deliver(reply)
		}
	}()
}

func TestSearchLimitZeroSkipsNetwork(t *testing.T) {
	c, link := newTestCoordinator(50 * time.Millisecond)

	for _, limit := range []int{0, -3} {
		results, err := c.Search(context.Background(), "anything", limit)
		if err != nil {
			t.Fatalf("Search with limit %d failed: %v", limit, err)
		}
		if len(results) != 0 {
			t.Errorf("Expected no results for limit %d, got %d", limit, len(results))
		}
	}
	if got := link.sentCount(); got != 0 {
		t.Errorf("Expected no network traffic, got %d sends", got)
	}
}

func TestSearchCollectsWithinWindow(t *testing.T) {
	c, link := newTestCoordinator(150 * time.Millisecond)

	deliverSoon(t, c, link, func(token uint32) []*protocol.SearchReply {
		return []*protocol.SearchReply{{
			Username: "bob",
			Token:    token,
			Files: []protocol.SearchFile{{
				Path: "music\\track.mp3",
				Size: 4096,
				Attrs: []protocol.FileAttr{
					{Code: protocol.AttrBitrate, Value: 320},
				},
			}},
			SlotFree:    true,
			AvgSpeed:    1000,
			QueueLength: 2,
		}}
	})

	results, err := c.Search(context.Background(), "track", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Expected 1 result, got %d", len(results))
	}

	r := results[0]
	if r.Peer != "bob" || r.Path != "music\\track.mp3" || r.Size != 4096 {
		t.Errorf("Result mismatch: %+v", r)
	}
	if r.Bitrate != 320 {
		t.Errorf("Expected bitrate 320, got %d", r.Bitrate)
	}
	if !r.SlotFree || r.AvgSpeed != 1000 || r.QueueLength != 2 {
		t.Errorf("Metadata mismatch: %+v", r)
	}
}

func TestSearchEmptyWindowIsNotAnError(t *testing.T) {
	c, _ := newTestCoordinator(50 * time.Millisecond)

	results, err := c.Search(context.Background(), "nothing shared", 10)
	if err != nil {
		t.Fatalf("Expected empty result, got error: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Expected no results, got %d", len(results))
	}
}

func TestSearchDedupesPerPeer(t *testing.T) {
	c, link := newTestCoordinator(150 * time.Millisecond)

	deliverSoon(t, c, link, func(token uint32) []*protocol.SearchReply {
		dup := &protocol.SearchReply{
			Username: "bob",
			Token:    token,
			Files:    []protocol.SearchFile{{Path: "a.mp3", Size: 1}},
		}
		other := &protocol.SearchReply{
			Username: "carol",
			Token:    token,
			Files:    []protocol.SearchFile{{Path: "a.mp3", Size: 1}},
		}
		return []*protocol.SearchReply{dup, dup, other}
	})

	results, err := c.Search(context.Background(), "a", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	// The same peer offering the same path twice collapses; a different
	// peer offering the same path does not.
	if len(results) != 2 {
		t.Errorf("Expected 2 results, got %d: %+v", len(results), results)
	}
}

func TestSearchOrdering(t *testing.T) {
	c, link := newTestCoordinator(150 * time.Millisecond)

	reply := func(token uint32, peer string, slot bool, speed uint32) *protocol.SearchReply {
		return &protocol.SearchReply{
			Username: peer,
			Token:    token,
			Files:    []protocol.SearchFile{{Path: "x.mp3", Size: 1}},
			SlotFree: slot,
			AvgSpeed: speed,
		}
	}

	deliverSoon(t, c, link, func(token uint32) []*protocol.SearchReply {
		return []*protocol.SearchReply{
			reply(token, "slow-busy", false, 900),
			reply(token, "slow-free", true, 100),
			reply(token, "fast-free", true, 500),
			reply(token, "fast-busy", false, 1000),
		}
	})

	results, err := c.Search(context.Background(), "x", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	want := []string{"fast-free", "slow-free", "fast-busy", "slow-busy"}
	if len(results) != len(want) {
		t.Fatalf("Expected %d results, got %d", len(want), len(results))
	}
	for i, peer := range want {
		if results[i].Peer != peer {
			t.Errorf("Position %d: expected %s, got %s", i, peer, results[i].Peer)
		}
	}
}

func TestSearchOrderingIsStable(t *testing.T) {
	c, link := newTestCoordinator(150 * time.Millisecond)

	deliverSoon(t, c, link, func(token uint32) []*protocol.SearchReply {
		var replies []*protocol.SearchReply
		for _, peer := range []string{"first", "second", "third"} {
			replies = append(replies, &protocol.SearchReply{
				Username: peer,
				Token:    token,
				Files:    []protocol.SearchFile{{Path: "same.mp3", Size: 1}},
				SlotFree: true,
				AvgSpeed: 250,
			})
		}
		return replies
	})

	results, err := c.Search(context.Background(), "same", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	want := []string{"first", "second", "third"}
	if len(results) != len(want) {
		t.Fatalf("Expected %d results, got %d", len(want), len(results))
	}
	for i, peer := range want {
		if results[i].Peer != peer {
			t.Errorf("Position %d: expected %s (arrival order), got %s", i, peer, results[i].Peer)
		}
	}
}

func TestSearchTruncatesToLimit(t *testing.T) {
	c, link := newTestCoordinator(150 * time.Millisecond)

	deliverSoon(t, c, link, func(token uint32) []*protocol.SearchReply {
		return []*protocol.SearchReply{{
			Username: "bob",
			Token:    token,
			Files: []protocol.SearchFile{
				{Path: "a.mp3", Size: 1},
				{Path: "b.mp3", Size: 2},
				{Path: "c.mp3", Size: 3},
				{Path: "d.mp3", Size: 4},
			},
		}}
	})

	results, err := c.Search(context.Background(), "mp3", 2)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("Expected 2 results after truncation, got %d", len(results))
	}
}

func TestSearchSendFailure(t *testing.T) {
	c, link := newTestCoordinator(time.Second)
	link.err = errors.New("wire fell out")

	start := time.Now()
	_, err := c.Search(context.Background(), "x", 5)
	if !errors.Is(err, ErrSearchFailed) {
		t.Fatalf("Expected ErrSearchFailed, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Failed search should not wait out the window, took %v", elapsed)
	}
}

func TestSearchContextCancelClosesEarly(t *testing.T) {
	c, link := newTestCoordinator(10 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	deliverSoon(t, c, link, func(token uint32) []*protocol.SearchReply {
		return []*protocol.SearchReply{{
			Username: "bob",
			Token:    token,
			Files:    []protocol.SearchFile{{Path: "a.mp3", Size: 1}},
		}}
	})
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	results, err := c.Search(ctx, "a", 10)
	if err != nil {
		t.Fatalf("Cancelled search should return what it has, got error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Cancel did not close the window early, took %v", elapsed)
	}
	if len(results) != 1 {
		t.Errorf("Expected the one collected result, got %d", len(results))
	}
}

func TestSearchLateDeliveryDropped(t *testing.T) {
	c, link := newTestCoordinator(50 * time.Millisecond)

	results, err := c.Search(context.Background(), "x", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("Expected no results, got %d", len(results))
	}

	// The window is shut; a straggler must vanish without a trace.
	c.Deliver(&protocol.SearchReply{
		Username: "bob",
		Token:    link.tokenOf(t, 0),
		Files:    []protocol.SearchFile{{Path: "late.mp3", Size: 1}},
	})

	c.mu.Lock()
	active := len(c.active)
	c.mu.Unlock()
	if active != 0 {
		t.Errorf("Expected no active collectors, got %d", active)
	}
}

func TestSearchTokensAreDistinct(t *testing.T) {
	c, link := newTestCoordinator(20 * time.Millisecond)

	for i := 0; i < 3; i++ {
		if _, err := c.Search(context.Background(), "q", 1); err != nil {
			t.Fatalf("Search %d failed: %v", i, err)
		}
	}

	seen := make(map[uint32]bool)
	for i := 0; i < 3; i++ {
		tok := link.tokenOf(t, i)
		if seen[tok] {
			t.Errorf("Token %d reused", tok)
		}
		seen[tok] = true
	}
}
