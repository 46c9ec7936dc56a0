package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/reid-catalog/internal/pipeline"
)

// maxCycleLine bounds one JSONL line; cycles may carry a base64 image.
const maxCycleLine = 64 << 20

var replayCmd = &cobra.Command{
	Use:   "replay <cycles.jsonl>",
	Short: "Feed recorded cycles through the pipeline",
	Long: `Reads one JSON cycle per line and processes them in order against the
configured catalog, without rate limiting.

Each line has the same shape as the body of POST /api/v1/cycles:
  {"image": "<base64>", "detections": [{"id": -1, "bbox": {...}, "feature": [...]}]}

By default the resulting catalog changes are kept in memory. Use --persist
to write them to DATABASE_URL and --export to write a snapshot afterwards.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().Bool("json", false, "Output as JSON")
	replayCmd.Flags().Bool("persist", false, "Write committed rows to the configured backend")
	replayCmd.Flags().String("export", "", "Write a snapshot to this path or s3://bucket/key when done")
}

// ReplayResult is the summary printed by replay.
type ReplayResult struct {
	File        string         `json:"file"`
	Cycles      int            `json:"cycles"`
	Errors      int            `json:"errors"`
	Identities  int            `json:"identities"`
	Rows        int            `json:"rows"`
	Pipeline    pipeline.Stats `json:"pipeline"`
	Duration    string         `json:"duration"`
	ExportedTo  string         `json:"exported_to,omitempty"`
	FirstErrors []string       `json:"first_errors,omitempty"`
}

const maxReportedErrors = 5

// readCycles parses a JSONL file, skipping blank lines.
func readCycles(path string) ([]pipeline.Cycle, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from the command line
	if err != nil {
		return nil, fmt.Errorf("opening cycles file: %w", err)
	}
	defer f.Close()

	var cycles []pipeline.Cycle
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<20), maxCycleLine)
	line := 0
	for scanner.Scan() {
		line++
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}
		var c pipeline.Cycle
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		cycles = append(cycles, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading cycles file: %w", err)
	}
	return cycles, nil
}

func runReplay(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jsonOutput := mustGetBool(cmd, "json")
	persist := mustGetBool(cmd, "persist")
	exportTo := mustGetString(cmd, "export")

	cycles, err := readCycles(args[0])
	if err != nil {
		return err
	}

	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if persist && rt.backend == nil {
		return errors.New("--persist requires DATABASE_URL")
	}

	engine, err := rt.engine()
	if err != nil {
		return err
	}
	proc := rt.processor(engine, nil, nil, persist, false)

	if !jsonOutput {
		fmt.Printf("Replaying %d cycles from %s\n\n", len(cycles), args[0])
	}

	var bar *progressbar.ProgressBar
	if !jsonOutput {
		bar = progressbar.NewOptions(len(cycles),
			progressbar.OptionSetDescription("Replaying"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("cycles"),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionFullWidth(),
		)
	}

	result := ReplayResult{File: args[0], Cycles: len(cycles)}
	start := time.Now()
	for i := range cycles {
		if _, err := proc.Process(ctx, cycles[i]); err != nil {
			result.Errors++
			if len(result.FirstErrors) < maxReportedErrors {
				result.FirstErrors = append(result.FirstErrors, fmt.Sprintf("cycle %d: %v", i+1, err))
			}
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if err := proc.Flush(ctx); err != nil {
		return fmt.Errorf("flushing catalog rows: %w", err)
	}

	result.Duration = time.Since(start).Round(time.Millisecond).String()
	result.Identities = rt.store.IdentityCount()
	result.Rows = rt.store.RowCount()
	result.Pipeline = proc.Stats()

	if exportTo != "" {
		st, err := rt.snapshotStore(ctx, exportTo)
		if err != nil {
			return err
		}
		if err := st.Save(ctx, rt.store.Snapshot()); err != nil {
			return fmt.Errorf("exporting snapshot: %w", err)
		}
		result.ExportedTo = st.Location()
	}

	if jsonOutput {
		return outputJSON(result)
	}
	fmt.Println()
	printReplaySummary(result)
	return nil
}

func printReplaySummary(r ReplayResult) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "METRIC\tVALUE")
	fmt.Fprintln(w, "------\t-----")
	fmt.Fprintf(w, "cycles\t%d\n", r.Cycles)
	fmt.Fprintf(w, "skipped (blurry)\t%d\n", r.Pipeline.Skipped)
	fmt.Fprintf(w, "failed\t%d\n", r.Errors)
	fmt.Fprintf(w, "query features\t%d\n", r.Pipeline.QueryFeatures)
	fmt.Fprintf(w, "update features\t%d\n", r.Pipeline.UpdateFeatures)
	fmt.Fprintf(w, "dropped detections\t%d\n", r.Pipeline.Dropped)
	fmt.Fprintf(w, "identities created\t%d\n", r.Pipeline.Created)
	fmt.Fprintf(w, "features merged\t%d\n", r.Pipeline.Merged)
	fmt.Fprintf(w, "matched full banks\t%d\n", r.Pipeline.Matched)
	fmt.Fprintf(w, "updates rejected\t%d\n", r.Pipeline.UpdatesRejected)
	w.Flush()

	fmt.Printf("\nCatalog: %d identities, %d rows (%s)\n", r.Identities, r.Rows, r.Duration)
	if r.ExportedTo != "" {
		fmt.Printf("Snapshot written to %s\n", r.ExportedTo)
	}
	for _, e := range r.FirstErrors {
		fmt.Printf("  error: %s\n", e)
	}
}
