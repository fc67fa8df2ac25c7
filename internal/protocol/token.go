package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"
	"time"
)

// TokenSource issues correlation tokens for searches and transfers. The
// counter starts at a random point so tokens from a restarted client do
// not collide with ones still circulating from its previous life.
type TokenSource struct {
	n atomic.Uint32
}

func NewTokenSource() *TokenSource {
	ts := &TokenSource{}
	var seed [4]byte
	if _, err := rand.Read(seed[:]); err == nil {
		ts.n.Store(binary.LittleEndian.Uint32(seed[:]))
	} else {
		ts.n.Store(uint32(time.Now().UnixNano()))
	}
	return ts
}

// Next returns a fresh token, never zero. Zero is reserved for messages
// that correlate with nothing, like the init frame of a message
// connection.
func (ts *TokenSource) Next() uint32 {
	for {
		if v := ts.n.Add(1); v != 0 {
			return v
		}
	}
}
