package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/me/zoneq/pkg/model"
)

const mib = 1 << 20

// printReport writes a human-readable summary of a snapshot.
func printReport(w io.Writer, snap *model.Snapshot, showZones bool) {
	m := snap.Metrics
	c := m.Counts

	fmt.Fprintf(w, "Queue:        %s\n", snap.QueueID)
	if snap.Label != "" {
		fmt.Fprintf(w, "Label:        %s\n", snap.Label)
	}
	fmt.Fprintf(w, "Status:       %s\n", snap.Status)
	fmt.Fprintf(w, "Zones:        %s total, %s completed, %s failed, %s cancelled\n",
		humanize.Comma(int64(c.Total)), humanize.Comma(int64(c.Completed)),
		humanize.Comma(int64(c.Failed)), humanize.Comma(int64(c.Cancelled)))
	if c.Active() > 0 {
		fmt.Fprintf(w, "Unfinished:   %d queued, %d retrying, %d processing\n", c.Queued, c.Retrying, c.Processing)
	}
	fmt.Fprintf(w, "Attempts:     %s\n", humanize.Comma(int64(m.TotalAttempts)))
	fmt.Fprintf(w, "Progress:     %s%%\n", humanize.FormatFloat("#,###.#", m.ProgressPercent))
	fmt.Fprintf(w, "Success rate: %s%%\n", humanize.FormatFloat("#,###.#", m.SuccessRate*100))
	fmt.Fprintf(w, "Avg wait:     %s\n", roundDuration(m.AverageWaitTime))
	fmt.Fprintf(w, "Avg process:  %s\n", roundDuration(m.AverageProcessingTime))
	fmt.Fprintf(w, "Throughput:   %s zones/min\n", humanize.FormatFloat("#,###.##", m.Throughput))
	if m.StartedAt != nil && !m.UpdatedAt.IsZero() {
		fmt.Fprintf(w, "Elapsed:      %s\n", roundDuration(m.UpdatedAt.Sub(*m.StartedAt)))
	}
	if m.DroppedEvents > 0 {
		fmt.Fprintf(w, "Dropped:      %s events\n", humanize.Comma(m.DroppedEvents))
	}
	fmt.Fprintf(w, "Workers:      %d (%d idle, %d active)\n",
		len(snap.Workers), m.Utilization.IdleWorkers, m.Utilization.ActiveWorkers)
	if budget := formatBudget(m.Utilization.Ceilings); budget != "" {
		fmt.Fprintf(w, "Budget:       %s\n", budget)
	}

	if failed := failedZones(snap.Zones); len(failed) > 0 {
		fmt.Fprintln(w, "\nFailures:")
		for _, qz := range failed {
			fmt.Fprintf(w, "  %s failed on its %s attempt: %s\n",
				qz.Zone.ID, humanize.Ordinal(len(qz.Attempts)), qz.LastError)
		}
	}

	if showZones && len(snap.Zones) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "%-20s  %-10s  %-12s  %-8s  %s\n", "ZONE", "STATUS", "TOOL", "ATTEMPTS", "DURATION")
		fmt.Fprintf(w, "%-20s  %-10s  %-12s  %-8s  %s\n", "----", "------", "----", "--------", "--------")
		for _, qz := range snap.Zones {
			tool := qz.Assignment.PrimaryTool
			var dur time.Duration
			if a := qz.LastAttempt(); a != nil {
				tool = a.Tool
				dur = a.Duration()
			}
			fmt.Fprintf(w, "%-20s  %-10s  %-12s  %-8d  %s\n",
				qz.Zone.ID, qz.Status, tool, len(qz.Attempts), roundDuration(dur))
		}
	}
}

func failedZones(zones []model.QueuedZone) []model.QueuedZone {
	var out []model.QueuedZone
	for _, qz := range zones {
		if qz.Status == model.ZoneStatusFailed && qz.LastError != nil {
			out = append(out, qz)
		}
	}
	return out
}

// formatBudget renders resource ceilings in their natural units.
func formatBudget(ceilings map[model.ResourceType]float64) string {
	types := make([]string, 0, len(ceilings))
	for t := range ceilings {
		types = append(types, string(t))
	}
	sort.Strings(types)

	parts := make([]string, 0, len(types))
	for _, t := range types {
		v := ceilings[model.ResourceType(t)]
		switch model.ResourceType(t) {
		case model.ResourceMemory, model.ResourceDisk:
			parts = append(parts, fmt.Sprintf("%s %s", t, humanize.IBytes(uint64(v*mib))))
		case model.ResourceCPU:
			parts = append(parts, fmt.Sprintf("%s %s cores", t, humanize.FormatFloat("#,###.#", v)))
		case model.ResourceNetwork:
			parts = append(parts, fmt.Sprintf("%s %s Mbit/s", t, humanize.FormatFloat("#,###.", v)))
		default:
			parts = append(parts, fmt.Sprintf("%s %g", t, v))
		}
	}
	return strings.Join(parts, ", ")
}

func roundDuration(d time.Duration) time.Duration {
	switch {
	case d >= time.Minute:
		return d.Round(time.Second)
	case d >= time.Second:
		return d.Round(10 * time.Millisecond)
	default:
		return d.Round(time.Millisecond)
	}
}
