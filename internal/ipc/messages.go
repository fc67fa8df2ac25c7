package ipc

// Error kinds carried in ErrorResponse, one per failure class the daemon
// can report.
const (
	ErrKindConfiguration  = "configuration"
	ErrKindConnection     = "connection"
	ErrKindAuthentication = "authentication"
	ErrKindMalformed      = "malformed_message"
	ErrKindSearch         = "search_failed"
	ErrKindRejected       = "transfer_rejected"
	ErrKindStream         = "stream_error"
	ErrKindInternal       = "internal"
)

type SearchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type SearchResult struct {
	Peer        string `json:"peer"`
	Path        string `json:"path"`
	Size        uint64 `json:"size"`
	Bitrate     uint32 `json:"bitrate,omitempty"`
	Duration    uint32 `json:"duration,omitempty"`
	SlotFree    bool   `json:"slot_free"`
	AvgSpeed    uint32 `json:"avg_speed"`
	QueueLength uint32 `json:"queue_length"`
}

type SearchResponse struct {
	Results []SearchResult `json:"results"`
}

type DownloadRequest struct {
	Peer string `json:"peer"`
	Path string `json:"path"`

	// TimeoutSeconds bounds the whole download, queue wait included.
	// Zero means the daemon's default.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// DownloadProgress is streamed to the client while a download runs.
type DownloadProgress struct {
	State       string `json:"state"`
	Size        int64  `json:"size"`
	Transferred int64  `json:"transferred"`
	QueuePlace  uint32 `json:"queue_place,omitempty"`
}

type DownloadResponse struct {
	SavedPath string `json:"saved_path"`
	ByteCount int64  `json:"byte_count"`
}

type StatusResponse struct {
	Connected bool   `json:"connected"`
	Identity  string `json:"identity,omitempty"`
}

type HistoryRequest struct {
	Limit int `json:"limit"`
}

type HistoryTransfer struct {
	Peer        string `json:"peer"`
	RemotePath  string `json:"remote_path"`
	SavedPath   string `json:"saved_path,omitempty"`
	Size        int64  `json:"size"`
	Transferred int64  `json:"transferred"`
	State       string `json:"state"`
	Reason      string `json:"reason,omitempty"`
	StartedAt   int64  `json:"started_at"`
	FinishedAt  int64  `json:"finished_at,omitempty"`
}

type HistorySearch struct {
	Query     string `json:"query"`
	Results   int    `json:"results"`
	CreatedAt int64  `json:"created_at"`
}

type HistoryResponse struct {
	Transfers []HistoryTransfer `json:"transfers"`
	Searches  []HistorySearch   `json:"searches"`
}

// ErrorResponse reports a failed request. ByteCount is meaningful for
// stream errors, where partial output exists.
type ErrorResponse struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	ByteCount int64  `json:"byte_count,omitempty"`
}
