// Package monitor holds the wire types shared by the lookout service, the
// Go client and the CLI.
package monitor

import (
	"encoding/json"
	"time"
)

const (
	// RetentionWindow is the default age after which snapshots are pruned
	RetentionWindow = 24 * time.Hour
	// MaxQuerySeconds bounds "last N seconds" queries
	MaxQuerySeconds = 86400
	// DefaultQuerySeconds applies when no usable seconds value was given
	DefaultQuerySeconds = 60
)

// PeerInfo is one connected peer of a torrent at sample time
type PeerInfo struct {
	IP            string  `json:"ip"`
	Port          int     `json:"port"`
	Country       *string `json:"country"`
	Client        string  `json:"client"`
	DownloadSpeed int64   `json:"downloadSpeed"`
	UploadSpeed   int64   `json:"uploadSpeed"`
	IsSeeder      bool    `json:"isSeeder"`
	IsDownloading bool    `json:"isDownloading"`
	IsUploading   bool    `json:"isUploading"`
}

// Key identifies a peer across samples
func (p PeerInfo) Key() string {
	return PeerKey(p.IP, p.Port)
}

// TorrentDetail is the per-torrent breakdown of a Snapshot
type TorrentDetail struct {
	Torrent   string     `json:"torrent"`
	TorrentID int64      `json:"torrent_id"`
	Upload    int64      `json:"upload"`
	Download  int64      `json:"download"`
	Peers     []PeerInfo `json:"peers"`
}

// Snapshot is the transfer state at one instant. Upload and Download are nil
// together exactly when the source could not be reached.
type Snapshot struct {
	ID        *int64          `json:"id,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Upload    *int64          `json:"upload"`
	Download  *int64          `json:"download"`
	Details   []TorrentDetail `json:"details"`
}

// UnavailableSnapshot builds the "source unavailable" sentinel for ts
func UnavailableSnapshot(ts int64) Snapshot {
	return Snapshot{Timestamp: ts, Details: []TorrentDetail{}}
}

// NewSnapshot builds a snapshot whose aggregates are the sums over details
func NewSnapshot(ts int64, details []TorrentDetail) Snapshot {
	if details == nil {
		details = []TorrentDetail{}
	}
	var up, down int64
	for _, d := range details {
		up += d.Upload
		down += d.Download
	}
	return Snapshot{Timestamp: ts, Upload: &up, Download: &down, Details: details}
}

// Unavailable reports whether s is the source-unavailable sentinel
func (s Snapshot) Unavailable() bool {
	return s.Upload == nil && s.Download == nil
}

// Valid checks the aggregate invariant: both aggregates nil with no details,
// or both set.
func (s Snapshot) Valid() bool {
	if s.Upload == nil || s.Download == nil {
		return s.Upload == nil && s.Download == nil && len(s.Details) == 0
	}
	return true
}

// UploadRate returns the aggregate upload rate, 0 for the sentinel
func (s Snapshot) UploadRate() int64 {
	if s.Upload == nil {
		return 0
	}
	return *s.Upload
}

// DownloadRate returns the aggregate download rate, 0 for the sentinel
func (s Snapshot) DownloadRate() int64 {
	if s.Download == nil {
		return 0
	}
	return *s.Download
}

// Time converts the millisecond timestamp
func (s Snapshot) Time() time.Time {
	return time.UnixMilli(s.Timestamp)
}

// WithoutPeers returns a copy of s with every peer list dropped
func (s Snapshot) WithoutPeers() Snapshot {
	out := s
	out.Details = make([]TorrentDetail, len(s.Details))
	for i, d := range s.Details {
		d.Peers = nil
		out.Details[i] = d
	}
	return out
}

// MarshalJSON keeps details and peers as arrays even when empty
func (s Snapshot) MarshalJSON() ([]byte, error) {
	type plain Snapshot
	out := plain(s)
	if out.Details == nil {
		out.Details = []TorrentDetail{}
	}
	details := make([]TorrentDetail, len(out.Details))
	for i, d := range out.Details {
		if d.Peers == nil {
			d.Peers = []PeerInfo{}
		}
		details[i] = d
	}
	out.Details = details
	return json.Marshal(out)
}

// LastResponse is the body of GET /snapshots?seconds=N
type LastResponse struct {
	Count     int        `json:"count"`
	Seconds   int        `json:"seconds"`
	Snapshots []Snapshot `json:"snapshots"`
}

// RangeResponse is the body of GET /snapshots?from=F&to=T
type RangeResponse struct {
	Count     int        `json:"count"`
	From      int64      `json:"from"`
	To        int64      `json:"to"`
	Snapshots []Snapshot `json:"snapshots"`
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorResponse is returned with 5xx snapshot queries
type ErrorResponse struct {
	Count     int        `json:"count"`
	Snapshots []Snapshot `json:"snapshots"`
	Error     string     `json:"error"`
}
