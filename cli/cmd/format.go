package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	api "shadmission/pkg/api/monitor"
	"shadmission/pkg/history"
)

var (
	upColor   = color.New(color.FgGreen)
	downColor = color.New(color.FgCyan)
	warnColor = color.New(color.FgYellow)
	okColor   = color.New(color.FgGreen, color.Bold)
	failColor = color.New(color.FgRed, color.Bold)
)

// nowFunc is swapped in tests
var nowFunc = time.Now

func formatRate(v int64) string {
	if v < 0 {
		v = 0
	}
	return humanize.Bytes(uint64(v)) + "/s"
}

func formatTime(ms int64) string {
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}

func snapshotLine(s api.Snapshot) string {
	if s.Unavailable() {
		return fmt.Sprintf("%s  %s", formatTime(s.Timestamp), warnColor.Sprint("source unavailable"))
	}
	return fmt.Sprintf("%s  up %s  down %s  torrents %d",
		formatTime(s.Timestamp),
		upColor.Sprint(formatRate(s.UploadRate())),
		downColor.Sprint(formatRate(s.DownloadRate())),
		len(s.Details),
	)
}

// parseTimeArg accepts epoch milliseconds, RFC 3339, or a duration read as
// "that long ago" ("90m" and "-90m" are the same)
func parseTimeArg(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return ms, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UnixMilli(), nil
	}
	if d, err := time.ParseDuration(strings.TrimPrefix(raw, "-")); err == nil {
		return nowFunc().Add(-d).UnixMilli(), nil
	}
	return 0, fmt.Errorf("invalid time %q: want epoch ms, RFC 3339 or a duration like 2h", raw)
}

func printSummary(w io.Writer, s history.Summary, peers bool) {
	fmt.Fprintf(w, "%s .. %s  (%d snapshots)\n\n", formatTime(s.From), formatTime(s.To), s.SnapshotCount)
	if len(s.Torrents) == 0 {
		fmt.Fprintln(w, "No torrent activity in this window")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTORRENT\tAVG UP\tAVG DOWN\tTOTAL UP\tTOTAL DOWN\tSAMPLES")
	for _, t := range s.Torrents {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%d\n",
			t.TorrentID,
			t.Torrent,
			formatRate(int64(t.AvgUpload)),
			formatRate(int64(t.AvgDownload)),
			humanize.Bytes(uint64(t.TotalUpload)),
			humanize.Bytes(uint64(t.TotalDownload)),
			t.SnapshotCount,
		)
		if !peers {
			continue
		}
		for _, p := range t.Peers {
			where := "-"
			if p.Country != nil {
				where = *p.Country
			}
			fmt.Fprintf(tw, "\t  %s:%d %s [%s]\t%s\t%s\t\t\t%d\n",
				p.IP, p.Port, p.Client, where,
				formatRate(int64(p.AvgUploadSpeed)),
				formatRate(int64(p.AvgDownloadSpeed)),
				p.SnapshotCount,
			)
		}
	}
	_ = tw.Flush()
}
