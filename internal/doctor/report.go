// Package doctor runs connectivity checks against the broker, the store and
// a running gateway.
package doctor

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
)

// CheckStatus represents the result of a diagnostic check.
type CheckStatus string

const (
	OK   CheckStatus = "OK"
	WARN CheckStatus = "WARN"
	FAIL CheckStatus = "FAIL"
	SKIP CheckStatus = "SKIP"
)

// Layer names what a check exercised.
type Layer string

const (
	L3    Layer = "L3-Network"
	L4    Layer = "L4-TCP"
	L7    Layer = "L7-Kafka"
	HTTP  Layer = "L7-HTTP"
	Store Layer = "Store"
)

// Row is a single diagnostic check result.
type Row struct {
	Component string      `json:"component"`
	Target    string      `json:"target"`
	Layer     Layer       `json:"layer"`
	Status    CheckStatus `json:"status"`
	Detail    string      `json:"detail"`
	Hint      string      `json:"hint,omitempty"`
}

// Report collects all diagnostic results.
type Report struct {
	Rows       []Row                 `json:"rows"`
	Summary    map[string]CheckStats `json:"summary"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
	HasFailed  bool                  `json:"-"`
}

// CheckStats counts results per layer.
type CheckStats struct {
	OK   int `json:"ok"`
	WARN int `json:"warn"`
	FAIL int `json:"fail"`
	SKIP int `json:"skip"`
}

func (r *Report) add(row Row) {
	if row.Status == FAIL {
		r.HasFailed = true
	}
	r.Rows = append(r.Rows, row)
}

func (r *Report) summarize() {
	r.Summary = map[string]CheckStats{}
	for _, row := range r.Rows {
		cs := r.Summary[string(row.Layer)]
		switch row.Status {
		case OK:
			cs.OK++
		case WARN:
			cs.WARN++
		case FAIL:
			cs.FAIL++
		case SKIP:
			cs.SKIP++
		}
		r.Summary[string(row.Layer)] = cs
	}
}

// Print writes the report as a table.
func Print(w io.Writer, r *Report) {
	fmt.Fprintf(w, "\nsocmind health report (%s, %s)\n",
		r.StartedAt.Format(time.RFC3339), r.FinishedAt.Sub(r.StartedAt).Truncate(time.Millisecond))
	fmt.Fprintln(w, strings.Repeat("-", 92))
	fmt.Fprintf(w, "%-5s %-10s %-28s %-11s %s\n", "", "Component", "Target", "Layer", "Detail")
	fmt.Fprintln(w, strings.Repeat("-", 92))
	for _, row := range r.Rows {
		fmt.Fprintf(w, "%-5s %-10s %-28s %-11s %s\n", badge(row.Status), row.Component, row.Target, row.Layer, row.Detail)
		if row.Hint != "" {
			fmt.Fprintf(w, "%-5s %s\n", "", color.YellowString("hint: %s", row.Hint))
		}
	}
	fmt.Fprintln(w, strings.Repeat("-", 92))
}

func badge(s CheckStatus) string {
	switch s {
	case OK:
		return color.GreenString("OK")
	case WARN:
		return color.YellowString("WARN")
	case FAIL:
		return color.RedString("FAIL")
	default:
		return "SKIP"
	}
}
