package history

import (
	"sort"

	api "shadmission/pkg/api/monitor"
)

// PeerSummary accumulates one peer's rates over a selection
type PeerSummary struct {
	IP                 string  `json:"ip"`
	Port               int     `json:"port"`
	Country            *string `json:"country"`
	Client             string  `json:"client"`
	IsSeeder           bool    `json:"isSeeder"`
	TotalUploadSpeed   int64   `json:"totalUploadSpeed"`
	TotalDownloadSpeed int64   `json:"totalDownloadSpeed"`
	AvgUploadSpeed     float64 `json:"avgUploadSpeed"`
	AvgDownloadSpeed   float64 `json:"avgDownloadSpeed"`
	SnapshotCount      int     `json:"snapshotCount"`
}

// TorrentSummary accumulates one torrent's rates over a selection
type TorrentSummary struct {
	Torrent       string        `json:"torrent"`
	TorrentID     int64         `json:"torrent_id"`
	TotalUpload   int64         `json:"totalUpload"`
	TotalDownload int64         `json:"totalDownload"`
	AvgUpload     float64       `json:"avgUpload"`
	AvgDownload   float64       `json:"avgDownload"`
	SnapshotCount int           `json:"snapshotCount"`
	Peers         []PeerSummary `json:"peers"`
}

// Summary is the breakdown of a time selection
type Summary struct {
	From          int64            `json:"from"`
	To            int64            `json:"to"`
	SnapshotCount int              `json:"snapshotCount"`
	Torrents      []TorrentSummary `json:"torrents"`
}

// Summarize totals every torrent and peer seen in snapshots within
// [from, to] (bounds may be given in either order). Averages are over the
// samples the torrent or peer appears in. Torrents and their peers are
// ordered by average upload plus download, busiest first.
func Summarize(snaps []api.Snapshot, from, to int64) Summary {
	if from > to {
		from, to = to, from
	}
	out := Summary{From: from, To: to, Torrents: []TorrentSummary{}}

	type torrentAcc struct {
		summary TorrentSummary
		peers   map[string]*PeerSummary
		order   []string
	}
	torrents := make(map[int64]*torrentAcc)
	var order []int64

	for _, s := range snaps {
		if s.Timestamp < from || s.Timestamp > to {
			continue
		}
		out.SnapshotCount++

		for _, d := range s.Details {
			acc, ok := torrents[d.TorrentID]
			if !ok {
				acc = &torrentAcc{
					summary: TorrentSummary{Torrent: d.Torrent, TorrentID: d.TorrentID},
					peers:   make(map[string]*PeerSummary),
				}
				torrents[d.TorrentID] = acc
				order = append(order, d.TorrentID)
			}
			acc.summary.TotalUpload += d.Upload
			acc.summary.TotalDownload += d.Download
			acc.summary.SnapshotCount++

			for _, p := range d.Peers {
				key := p.Key()
				ps, ok := acc.peers[key]
				if !ok {
					ps = &PeerSummary{IP: p.IP, Port: p.Port, Country: p.Country, Client: p.Client, IsSeeder: p.IsSeeder}
					acc.peers[key] = ps
					acc.order = append(acc.order, key)
				}
				ps.TotalUploadSpeed += p.UploadSpeed
				ps.TotalDownloadSpeed += p.DownloadSpeed
				ps.SnapshotCount++
			}
		}
	}

	for _, id := range order {
		acc := torrents[id]
		t := acc.summary
		t.AvgUpload = float64(t.TotalUpload) / float64(t.SnapshotCount)
		t.AvgDownload = float64(t.TotalDownload) / float64(t.SnapshotCount)

		t.Peers = make([]PeerSummary, 0, len(acc.order))
		for _, key := range acc.order {
			p := *acc.peers[key]
			p.AvgUploadSpeed = float64(p.TotalUploadSpeed) / float64(p.SnapshotCount)
			p.AvgDownloadSpeed = float64(p.TotalDownloadSpeed) / float64(p.SnapshotCount)
			t.Peers = append(t.Peers, p)
		}
		sort.SliceStable(t.Peers, func(i, j int) bool {
			return t.Peers[i].AvgUploadSpeed+t.Peers[i].AvgDownloadSpeed >
				t.Peers[j].AvgUploadSpeed+t.Peers[j].AvgDownloadSpeed
		})
		out.Torrents = append(out.Torrents, t)
	}

	sort.SliceStable(out.Torrents, func(i, j int) bool {
		return out.Torrents[i].AvgUpload+out.Torrents[i].AvgDownload >
			out.Torrents[j].AvgUpload+out.Torrents[j].AvgDownload
	})
	return out
}
