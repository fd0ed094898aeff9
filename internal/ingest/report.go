package ingest

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
)

// SkipReason explains why a raw trade did not become a signal.
type SkipReason string

const (
	SkipDuplicate      SkipReason = "duplicate"
	SkipNotBuy         SkipReason = "not_buy"
	SkipBelowThreshold SkipReason = "below_threshold"
	SkipInvalidTrade   SkipReason = "invalid_trade"
	SkipInsertFailed   SkipReason = "insert_failed"
)

// MasterReport is the outcome of ingesting one master.
type MasterReport struct {
	MasterID string             `json:"master_id"`
	Username string             `json:"username"`
	Fetched  int                `json:"fetched"`
	Inserted int                `json:"inserted"`
	Skipped  map[SkipReason]int `json:"skipped"`
	Err      string             `json:"error,omitempty"`
}

// SkippedTotal sums the skip counters.
func (r MasterReport) SkippedTotal() int {
	n := 0
	for _, c := range r.Skipped {
		n += c
	}
	return n
}

// Report is the outcome of one pipeline run.
type Report struct {
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
	Inserted  int            `json:"inserted"`
	Failed    int            `json:"failed_masters"`
	Masters   []MasterReport `json:"masters"`
}

func (r *Report) add(mr MasterReport) {
	r.Masters = append(r.Masters, mr)
	r.Inserted += mr.Inserted
	if mr.Err != "" {
		r.Failed++
	}
}

// WriteSummary renders the report as a table, one row per master.
func WriteSummary(w io.Writer, r *Report) {
	table := tablewriter.NewWriter(w)
	table.Header("Master", "Fetched", "Inserted", "Skipped", "Error")
	for _, m := range r.Masters {
		table.Append(
			m.Username,
			fmt.Sprintf("%d", m.Fetched),
			fmt.Sprintf("%d", m.Inserted),
			formatSkips(m),
			m.Err,
		)
	}
	table.Render()
	fmt.Fprintf(w, "%d signals inserted from %d masters (%d failed) in %s\n",
		r.Inserted, len(r.Masters), r.Failed, r.Duration.Round(time.Millisecond))
}

// formatSkips renders "3 (duplicate=1 not_buy=2)", or "0".
func formatSkips(m MasterReport) string {
	total := m.SkippedTotal()
	if total == 0 {
		return "0"
	}
	parts := make([]string, 0, len(m.Skipped))
	for reason, n := range m.Skipped {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", reason, n))
		}
	}
	sort.Strings(parts)
	return fmt.Sprintf("%d (%s)", total, strings.Join(parts, " "))
}
