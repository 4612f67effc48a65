package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/ioccore/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	RunID    string // empty selects the latest run
	Record   string
	Field    string
	After    int64
	Limit    int
	State    bool
}

// TraceEvent is one logged event in the trace output.
type TraceEvent struct {
	Seq      int64     `json:"seq"`
	Kind     string    `json:"kind"`
	Record   string    `json:"record"`
	Field    string    `json:"field"`
	Mask     string    `json:"mask,omitempty"`
	Value    any       `json:"value,omitempty"`
	Severity string    `json:"severity,omitempty"`
	Status   string    `json:"status,omitempty"`
	Time     time.Time `json:"time"`
}

// TraceField is the last logged value of a field.
type TraceField struct {
	Record   string `json:"record"`
	Field    string `json:"field"`
	Value    any    `json:"value"`
	Severity string `json:"severity,omitempty"`
	Seq      int64  `json:"seq"`
}

// TraceRun describes the traced run.
type TraceRun struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	Source    string    `json:"source"`
	Records   int       `json:"records"`
}

// TraceStats summarises the whole run, whatever the filters.
type TraceStats struct {
	Events   int   `json:"events"`
	Forwards int   `json:"forwards"`
	LastSeq  int64 `json:"last_seq"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	Run    TraceRun     `json:"run"`
	Events []TraceEvent `json:"events"`
	State  []TraceField `json:"state,omitempty"`
	Stats  TraceStats   `json:"stats"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show the event log of a run",
		Long: `Show the monitor posts and forward-link traversals logged by
"ioccore run --db". Events are listed in seq order and can be filtered
by record and field. With --state the last value of every posted field
is rebuilt by replaying the run.

Examples:
  ioccore trace --db ./events.db
  ioccore trace --db ./events.db --record calc1 --field VAL
  ioccore trace --db ./events.db --run 0190f6c2-... --state --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the SQLite event log (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "run id (default: the latest run)")
	cmd.Flags().StringVar(&opts.Record, "record", "", "only events of this record")
	cmd.Flags().StringVar(&opts.Field, "field", "", "only events of this field")
	cmd.Flags().Int64Var(&opts.After, "after", 0, "only events after this seq")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of events")
	cmd.Flags().BoolVar(&opts.State, "state", false, "include the replayed field state")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := opts.formatter(cmd)

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open event log", err)
	}
	defer st.Close()

	run, err := findRun(ctx, st, opts.RunID)
	if errors.Is(err, store.ErrNoRuns) {
		if formatter.JSON() {
			return formatter.Success(TraceResult{Events: []TraceEvent{}})
		}
		fmt.Fprintln(formatter.Writer, "No runs recorded.")
		return nil
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find run", err)
	}

	events, err := st.ReadEvents(ctx, store.Query{
		RunID:    run.ID,
		Record:   opts.Record,
		Field:    opts.Field,
		AfterSeq: opts.After,
		Limit:    opts.Limit,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read events", err)
	}
	state, err := st.GetRunState(ctx, run.ID, 0)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to replay run", err)
	}

	result := TraceResult{
		Run: TraceRun{
			ID:        run.ID,
			StartedAt: run.StartedAt,
			Source:    run.Source,
			Records:   run.Records,
		},
		Events: make([]TraceEvent, 0, len(events)),
		Stats: TraceStats{
			Events:   state.Events,
			Forwards: state.Forwards,
			LastSeq:  state.LastSeq,
		},
	}
	for _, ev := range events {
		result.Events = append(result.Events, TraceEvent{
			Seq:      ev.Seq,
			Kind:     ev.Kind,
			Record:   ev.Record,
			Field:    ev.Field,
			Mask:     ev.Mask,
			Value:    ev.Value,
			Severity: ev.Severity,
			Status:   ev.Status,
			Time:     ev.Time,
		})
	}
	if opts.State {
		result.State = make([]TraceField, 0, len(state.Fields))
		for _, f := range state.Fields {
			if opts.Record != "" && f.Record != opts.Record {
				continue
			}
			result.State = append(result.State, TraceField{
				Record:   f.Record,
				Field:    f.Field,
				Value:    f.Value,
				Severity: f.Severity,
				Seq:      f.Seq,
			})
		}
	}

	if formatter.JSON() {
		return formatter.Success(result)
	}
	outputTraceText(formatter.Writer, result, opts.Verbose)
	return nil
}

// findRun returns the run with id, or the latest run when id is empty.
func findRun(ctx context.Context, st *store.Store, id string) (store.Run, error) {
	if id == "" {
		return st.LatestRun(ctx)
	}
	runs, err := st.ReadRuns(ctx)
	if err != nil {
		return store.Run{}, err
	}
	for _, r := range runs {
		if r.ID == id {
			return r, nil
		}
	}
	return store.Run{}, fmt.Errorf("run %q not found", id)
}

func outputTraceText(w io.Writer, result TraceResult, verbose bool) {
	fmt.Fprintf(w, "Trace for run: %s\n", result.Run.ID)
	fmt.Fprintf(w, "Source: %s (%d records), started %s\n", result.Run.Source, result.Run.Records, result.Run.StartedAt.Format(time.RFC3339))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Events ===")
	if len(result.Events) == 0 {
		fmt.Fprintln(w, "  (no events)")
	}
	for _, ev := range result.Events {
		formatTraceEvent(w, ev, verbose)
	}
	fmt.Fprintln(w)

	if result.State != nil {
		fmt.Fprintln(w, "=== State ===")
		for _, f := range result.State {
			fmt.Fprintf(w, "  %s.%s = %v", f.Record, f.Field, f.Value)
			if f.Severity != "" && f.Severity != "NO_ALARM" {
				fmt.Fprintf(w, " (%s)", f.Severity)
			}
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "=== Stats ===")
	fmt.Fprintf(w, "  Events:   %d\n", result.Stats.Events)
	fmt.Fprintf(w, "  Forwards: %d\n", result.Stats.Forwards)
	fmt.Fprintf(w, "  Last seq: %d\n", result.Stats.LastSeq)
}

func formatTraceEvent(w io.Writer, ev TraceEvent, verbose bool) {
	switch ev.Kind {
	case store.KindForward:
		fmt.Fprintf(w, "  [%d] FLNK %s -> %v\n", ev.Seq, ev.Record, ev.Value)
	default:
		fmt.Fprintf(w, "  [%d] POST %s.%s = %v [%s]\n", ev.Seq, ev.Record, ev.Field, ev.Value, ev.Mask)
		if verbose {
			fmt.Fprintf(w, "       %s %s at %s\n", ev.Severity, ev.Status, ev.Time.Format(time.RFC3339Nano))
		}
	}
}
