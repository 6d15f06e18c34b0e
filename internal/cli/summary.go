package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/versus-project/versus/internal/monitor"
	"github.com/versus-project/versus/internal/netplay"
)

// MatchSummary is what PrintMatchSummary reports after a match.
type MatchSummary struct {
	MatchID int64
	Result  netplay.MatchResult
	// Latency is nil when no monitor ran.
	Latency *monitor.LatencyStats
	Err     error
}

// PrintMatchSummary writes the end-of-match report.
func PrintMatchSummary(w io.Writer, s MatchSummary) {
	fmt.Fprintln(w)
	if s.MatchID > 0 {
		fmt.Fprintf(w, "  Match #%d\n", s.MatchID)
	}
	fmt.Fprintf(w, "  Ticks:    %d\n", s.Result.Ticks)
	fmt.Fprintf(w, "  Duration: %s\n", s.Result.Duration.Round(time.Millisecond))
	if s.Err != nil {
		fmt.Fprintf(w, "  Error:    %v\n", s.Err)
	}
	fmt.Fprintln(w)

	WriteSessionTable(w, s.Result.Stats)
	if s.Latency != nil && s.Latency.Samples > 0 {
		fmt.Fprintln(w)
		WriteLatencyTable(w, *s.Latency)
	}
	fmt.Fprintln(w)
}

// WriteSessionTable renders session counters as a two-column table.
func WriteSessionTable(w io.Writer, st netplay.Stats) {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader([]string{"Session", "Value"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	tw.SetAlignment(tablewriter.ALIGN_LEFT)

	u := func(n uint64) string { return strconv.FormatUint(n, 10) }
	tw.AppendBulk([][]string{
		{"Role", st.Role.String()},
		{"State", st.State.String()},
		{"Packets sent", u(st.PacketsSent)},
		{"Packets received", u(st.PacketsReceived)},
		{"Inputs sent", u(st.InputsSent)},
		{"Inputs received", u(st.InputsReceived)},
		{"Snapshots sent", u(st.SnapshotsSent)},
		{"Snapshots received", u(st.SnapshotsReceived)},
		{"Snapshots dropped", u(st.SnapshotsDropped)},
		{"Resyncs", u(st.Resyncs)},
		{"Replayed ticks", u(st.ReplayedTicks)},
		{"Garbage frames", u(st.GarbageFrames)},
		{"Pings", fmt.Sprintf("%d/%d", st.PingsMatched, st.PingsSent)},
		{"Last RTT", formatRTT(st.LastRTT)},
		{"Last tick", strconv.FormatUint(uint64(st.LastTick), 10)},
	})
	tw.Render()
}

// WriteLatencyTable renders RTT statistics.
func WriteLatencyTable(w io.Writer, ls monitor.LatencyStats) {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader([]string{"Samples", "Last", "Min", "Avg", "Max", "Recent", "Jitter", "Resyncs"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	tw.Append([]string{
		strconv.Itoa(ls.Samples),
		formatRTT(ls.Last),
		formatRTT(ls.Min),
		formatRTT(ls.Avg),
		formatRTT(ls.Max),
		formatRTT(ls.Recent),
		formatRTT(ls.Jitter),
		strconv.Itoa(ls.Resyncs),
	})
	tw.Render()
}

func formatRTT(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.1fms", float64(d)/float64(time.Millisecond))
}
