// Package ipc carries requests between the CLI and the daemon over a unix
// socket. Messages are JSON envelopes behind a big-endian length prefix.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageSize bounds a single envelope. History replies are the largest
// thing on the socket and stay far under this.
const MaxMessageSize = 8 * 1024 * 1024

// Envelope kinds. Requests flow CLI to daemon, responses flow back;
// download_progress events stream between the request and its response.
const (
	KindSearchRequest    = "search_request"
	KindSearchResponse   = "search_response"
	KindDownloadRequest  = "download_request"
	KindDownloadProgress = "download_progress"
	KindDownloadResponse = "download_response"
	KindStatusRequest    = "status_request"
	KindStatusResponse   = "status_response"
	KindHistoryRequest   = "history_request"
	KindHistoryResponse  = "history_response"
	KindError            = "error"
)

// Envelope frames one message. ID ties responses and progress events back
// to the request that caused them.
type Envelope struct {
	Kind    string          `json:"kind"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewEnvelope(kind, id string, payload any) (*Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return &Envelope{Kind: kind, ID: id, Payload: body}, nil
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return nil
}

func Write(w io.Writer, e *Envelope) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("envelope too large: %d bytes", len(data))
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func Read(r io.Reader) (*Envelope, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > MaxMessageSize {
		return nil, fmt.Errorf("envelope too large: %d bytes", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &e, nil
}
