package transmission

import "github.com/hekmon/transmissionrpc/v3"

// Torrent status codes as reported by torrent-get
const (
	StatusStopped      = int(transmissionrpc.TorrentStatusStopped)
	StatusCheckWait    = int(transmissionrpc.TorrentStatusCheckWait)
	StatusCheck        = int(transmissionrpc.TorrentStatusCheck)
	StatusDownloadWait = int(transmissionrpc.TorrentStatusDownloadWait)
	StatusDownloading  = int(transmissionrpc.TorrentStatusDownload)
	StatusSeedWait     = int(transmissionrpc.TorrentStatusSeedWait)
	StatusSeeding      = int(transmissionrpc.TorrentStatusSeed)
)

// TorrentFields are the torrent-get fields Torrent decodes
var TorrentFields = []string{
	"id", "name", "status", "percentDone",
	"rateDownload", "rateUpload", "peersConnected", "peers",
}

// Torrent is the subset of torrent-get output the monitor needs
type Torrent struct {
	ID             int64   `json:"id"`
	Name           string  `json:"name"`
	Status         int     `json:"status"`
	PercentDone    float64 `json:"percentDone"`
	RateDownload   int64   `json:"rateDownload"`
	RateUpload     int64   `json:"rateUpload"`
	PeersConnected int     `json:"peersConnected"`
	Peers          []Peer  `json:"peers"`
}

// Active reports whether the torrent is downloading or seeding
func (t Torrent) Active() bool {
	return t.Status == StatusDownloading || t.Status == StatusSeeding
}

// Peer is one entry of a torrent's peers list
type Peer struct {
	Address           string  `json:"address"`
	Port              int     `json:"port"`
	ClientName        string  `json:"clientName"`
	FlagStr           string  `json:"flagStr"`
	Progress          float64 `json:"progress"`
	RateToClient      int64   `json:"rateToClient"`
	RateToPeer        int64   `json:"rateToPeer"`
	IsDownloadingFrom bool    `json:"isDownloadingFrom"`
	IsUploadingTo     bool    `json:"isUploadingTo"`
	IsEncrypted       bool    `json:"isEncrypted"`
	IsIncoming        bool    `json:"isIncoming"`
}

// SessionStats is the subset of session-stats the health check reports
type SessionStats struct {
	ActiveTorrentCount int64
	PausedTorrentCount int64
	TorrentCount       int64
	DownloadSpeed      int64
	UploadSpeed        int64
}

// fromRPC flattens the library's optional fields. Fields the daemon left
// out read as zero.
func fromRPC(t transmissionrpc.Torrent) Torrent {
	out := Torrent{
		ID:             deref(t.ID),
		Name:           deref(t.Name),
		PercentDone:    deref(t.PercentDone),
		RateDownload:   deref(t.RateDownload),
		RateUpload:     deref(t.RateUpload),
		PeersConnected: int(deref(t.PeersConnected)),
	}
	if t.Status != nil {
		out.Status = int(*t.Status)
	} else {
		out.Status = StatusStopped
	}

	out.Peers = make([]Peer, 0, len(t.Peers))
	for _, p := range t.Peers {
		out.Peers = append(out.Peers, Peer{
			Address:           p.Address,
			Port:              int(p.Port),
			ClientName:        p.ClientName,
			FlagStr:           p.FlagStr,
			Progress:          p.Progress,
			RateToClient:      p.RateToClient,
			RateToPeer:        p.RateToPeer,
			IsDownloadingFrom: p.IsDownloadingFrom,
			IsUploadingTo:     p.IsUploadingTo,
			IsEncrypted:       p.IsEncrypted,
			IsIncoming:        p.IsIncoming,
		})
	}
	return out
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
