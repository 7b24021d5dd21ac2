// Package report turns harness results into run summaries: a text table,
// a JSON document and an Arrow IPC file.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/example/go-opcheck/internal/harness"
	"github.com/google/uuid"
)

// NewRunID returns a fresh identifier stamped into reports and fixtures.
func NewRunID() string {
	return uuid.NewString()
}

// ---------------------------------------------------------------------------
// Rows
// ---------------------------------------------------------------------------

// Row is the flat record of one case on one device.
type Row struct {
	RunID          string  `json:"run_id"`
	Op             string  `json:"op"`
	Device         string  `json:"device"`
	DType          string  `json:"dtype"`
	Params         string  `json:"params"`
	Outcome        string  `json:"outcome"`
	State          string  `json:"state"`
	WorkspaceBytes uint64  `json:"workspace_bytes"`
	MaxAbsErr      float64 `json:"max_abs_err"`
	OracleNS       int64   `json:"oracle_ns,omitempty"`
	NativeNS       int64   `json:"native_ns,omitempty"`
	ElapsedNS      int64   `json:"elapsed_ns"`
	Message        string  `json:"message,omitempty"`
}

// Rows flattens results in order.
func Rows(runID string, results []harness.Result) []Row {
	rows := make([]Row, len(results))
	for i, r := range results {
		row := Row{
			RunID:          runID,
			Op:             r.Op,
			Device:         r.Device.String(),
			DType:          r.DType.String(),
			Params:         r.Params,
			Outcome:        string(r.Outcome),
			State:          r.State.String(),
			WorkspaceBytes: r.WorkspaceBytes,
			MaxAbsErr:      r.MaxAbsErr,
			ElapsedNS:      r.Elapsed.Nanoseconds(),
		}

		if r.Profile != nil {
			row.OracleNS = r.Profile.Oracle.Nanoseconds()
			row.NativeNS = r.Profile.Native.Nanoseconds()
		}

		if r.Err != nil {
			row.Message = r.Err.Error()
		}

		rows[i] = row
	}

	return rows
}

// ---------------------------------------------------------------------------
// Summary and stats
// ---------------------------------------------------------------------------

// Stats holds aggregate timing statistics.
type Stats struct {
	Min  time.Duration
	Max  time.Duration
	Mean time.Duration
}

// ComputeStats calculates min, max and mean over durations. An empty slice
// yields zero Stats.
func ComputeStats(durations []time.Duration) Stats {
	if len(durations) == 0 {
		return Stats{}
	}

	mn, mx := durations[0], durations[0]

	var sum time.Duration

	for _, d := range durations {
		mn = min(mn, d)
		mx = max(mx, d)
		sum += d
	}

	return Stats{
		Min:  mn,
		Max:  mx,
		Mean: sum / time.Duration(len(durations)),
	}
}

// Summary aggregates one run.
type Summary struct {
	RunID  string
	Total  int
	Counts map[harness.Outcome]int
	// Native and Oracle cover profiled cases only.
	Native Stats
	Oracle Stats
}

// Summarize counts outcomes and aggregates profile timings.
func Summarize(runID string, results []harness.Result) Summary {
	s := Summary{RunID: runID, Total: len(results), Counts: make(map[harness.Outcome]int)}

	var native, oracle []time.Duration

	for _, r := range results {
		s.Counts[r.Outcome]++

		if r.Profile != nil {
			native = append(native, r.Profile.Native)
			oracle = append(oracle, r.Profile.Oracle)
		}
	}

	s.Native = ComputeStats(native)
	s.Oracle = ComputeStats(oracle)

	return s
}

func (s Summary) Passed() int { return s.Counts[harness.OutcomePassed] }

// Failed counts every case that did not pass.
func (s Summary) Failed() int { return s.Total - s.Passed() }

// ---------------------------------------------------------------------------
// Output formatters
// ---------------------------------------------------------------------------

// FormatTable writes a human-readable table of rows followed by the outcome
// counts.
func FormatTable(rows []Row, s Summary, w io.Writer) error {
	sb := &strings.Builder{}

	fmt.Fprintf(sb, "%-18s  %-8s  %-5s  %-20s  %10s  %10s  %10s  %s\n",
		"Op", "Device", "DType", "Outcome", "Workspace", "MaxErr", "Native", "Params")
	fmt.Fprintln(sb, strings.Repeat("-", 110))

	for _, r := range rows {
		native := "-"
		if r.NativeNS > 0 {
			native = time.Duration(r.NativeNS).String()
		}

		fmt.Fprintf(sb, "%-18s  %-8s  %-5s  %-20s  %10s  %10.3g  %10s  %s\n",
			r.Op, r.Device, r.DType, r.Outcome,
			humanize.IBytes(r.WorkspaceBytes), r.MaxAbsErr, native, r.Params)
	}

	fmt.Fprintln(sb, strings.Repeat("-", 110))

	for _, o := range harness.Outcomes {
		if n := s.Counts[o]; n > 0 {
			fmt.Fprintf(sb, "%-20s %d\n", o, n)
		}
	}

	fmt.Fprintf(sb, "%-20s %d/%d passed\n", "total", s.Passed(), s.Total)

	if s.Native.Mean > 0 {
		fmt.Fprintf(sb, "native  min %v  mean %v  max %v\n", s.Native.Min, s.Native.Mean, s.Native.Max)
		fmt.Fprintf(sb, "oracle  min %v  mean %v  max %v\n", s.Oracle.Min, s.Oracle.Mean, s.Oracle.Max)
	}

	_, err := io.WriteString(w, sb.String())

	return err
}

// jsonReport is the top-level JSON structure emitted by FormatJSON.
type jsonReport struct {
	RunID   string         `json:"run_id"`
	Total   int            `json:"total"`
	Passed  int            `json:"passed"`
	Failed  int            `json:"failed"`
	Counts  map[string]int `json:"outcomes"`
	Profile *jsonProfile   `json:"profile,omitempty"`
	Cases   []Row          `json:"cases"`
}

type jsonProfile struct {
	NativeMeanNS int64 `json:"native_mean_ns"`
	OracleMeanNS int64 `json:"oracle_mean_ns"`
}

// FormatJSON writes a JSON report of rows to w.
func FormatJSON(rows []Row, s Summary, w io.Writer) error {
	jr := jsonReport{
		RunID:  s.RunID,
		Total:  s.Total,
		Passed: s.Passed(),
		Failed: s.Failed(),
		Counts: make(map[string]int, len(s.Counts)),
		Cases:  rows,
	}

	for o, n := range s.Counts {
		jr.Counts[string(o)] = n
	}

	if s.Native.Mean > 0 {
		jr.Profile = &jsonProfile{
			NativeMeanNS: s.Native.Mean.Nanoseconds(),
			OracleMeanNS: s.Oracle.Mean.Nanoseconds(),
		}
	}

	if jr.Cases == nil {
		jr.Cases = []Row{}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(jr)
}
