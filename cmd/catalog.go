package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/reid-catalog/internal/catalog"
	"github.com/kozaktomas/reid-catalog/internal/database"
	"github.com/kozaktomas/reid-catalog/internal/feature"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect and export the identity catalog",
	Long: `Commands that load the catalog from DATABASE_URL (or SNAPSHOT_LOCATION)
without starting the server.`,
}

var catalogStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show identity and row counts",
	RunE:  runCatalogStats,
}

var catalogExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a catalog snapshot",
	Long: `Writes the catalog as a compressed snapshot to a local path or to
s3://bucket/key. The snapshot can be restored through SNAPSHOT_LOCATION.`,
	RunE: runCatalogExport,
}

var catalogSearchCmd = &cobra.Command{
	Use:   "search",
	Short: "Find the identities nearest to a feature vector",
	Long: `Reads a JSON array of floats from --feature and lists the nearest identities
by cosine distance of their closest stored feature.

The HNSW index is used by default. --exact asks the database backend instead,
when it supports vector search.`,
	RunE: runCatalogSearch,
}

func init() {
	rootCmd.AddCommand(catalogCmd)
	catalogCmd.AddCommand(catalogStatsCmd, catalogExportCmd, catalogSearchCmd)

	catalogStatsCmd.Flags().Bool("json", false, "Output as JSON")

	catalogExportCmd.Flags().String("to", "", "Destination path or s3://bucket/key (required)")
	_ = catalogExportCmd.MarkFlagRequired("to")

	catalogSearchCmd.Flags().String("feature", "", "JSON file holding the query feature (required)")
	catalogSearchCmd.Flags().Int("limit", 10, "Maximum number of identities")
	catalogSearchCmd.Flags().Bool("exact", false, "Search the database backend instead of the HNSW index")
	catalogSearchCmd.Flags().Bool("json", false, "Output as JSON")
	_ = catalogSearchCmd.MarkFlagRequired("feature")
}

// CatalogStatsResult is the output of catalog stats.
type CatalogStatsResult struct {
	Source string        `json:"source"`
	Stats  catalog.Stats `json:"stats"`
	// Persisted counts are only present with a backend.
	PersistedRows       *int `json:"persisted_rows,omitempty"`
	PersistedIdentities *int `json:"persisted_identities,omitempty"`
}

func runCatalogStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jsonOutput := mustGetBool(cmd, "json")

	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	result := CatalogStatsResult{Source: rt.source, Stats: rt.store.Stats()}
	if rt.backend != nil {
		rows, err := rt.backend.CountRows(ctx)
		if err != nil {
			return fmt.Errorf("counting persisted rows: %w", err)
		}
		ids, err := rt.backend.CountIdentities(ctx)
		if err != nil {
			return fmt.Errorf("counting persisted identities: %w", err)
		}
		result.PersistedRows, result.PersistedIdentities = &rows, &ids
	}

	if jsonOutput {
		return outputJSON(result)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Source:\t%s\n", result.Source)
	fmt.Fprintf(w, "Identities:\t%d\n", result.Stats.Identities)
	fmt.Fprintf(w, "Rows:\t%d\n", result.Stats.Rows)
	fmt.Fprintf(w, "Full banks:\t%d\n", result.Stats.FullIdentities)
	fmt.Fprintf(w, "Dimension:\t%d\n", result.Stats.Dim)
	fmt.Fprintf(w, "Max bank size:\t%d\n", result.Stats.MaxBankSize)
	if result.PersistedRows != nil {
		fmt.Fprintf(w, "Persisted rows:\t%d\n", *result.PersistedRows)
		fmt.Fprintf(w, "Persisted identities:\t%d\n", *result.PersistedIdentities)
	}
	w.Flush()
	return nil
}

func runCatalogExport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	to := mustGetString(cmd, "to")

	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	st, err := rt.snapshotStore(ctx, to)
	if err != nil {
		return err
	}
	if err := st.Save(ctx, rt.store.Snapshot()); err != nil {
		return fmt.Errorf("exporting snapshot: %w", err)
	}
	fmt.Printf("Exported %d identities (%d rows) to %s\n", rt.store.IdentityCount(), rt.store.RowCount(), st.Location())
	return nil
}

// exactSearcher is implemented by backends with server-side vector search.
type exactSearcher interface {
	NearestIdentities(ctx context.Context, embedding []float32, limit int) ([]database.Neighbor, error)
}

// readFeatureFile loads a JSON array of floats and checks it against dim.
func readFeatureFile(path string, dim int) (feature.Vector, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the command line
	if err != nil {
		return nil, fmt.Errorf("reading feature file: %w", err)
	}
	var f feature.Vector
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding feature file: %w", err)
	}
	if len(f) != dim {
		return nil, fmt.Errorf("%w: feature has %d values, catalog dimension is %d", feature.ErrShape, len(f), dim)
	}
	if !f.Finite() {
		return nil, errors.New("feature contains NaN or Inf")
	}
	return f, nil
}

func runCatalogSearch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	path := mustGetString(cmd, "feature")
	limit := mustGetInt(cmd, "limit")
	exact := mustGetBool(cmd, "exact")
	jsonOutput := mustGetBool(cmd, "json")

	if limit <= 0 {
		return errors.New("--limit must be positive")
	}

	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	query, err := readFeatureFile(path, rt.store.Dim())
	if err != nil {
		return err
	}

	var results []database.Neighbor
	if exact {
		searcher, ok := rt.backend.(exactSearcher)
		if !ok {
			return errors.New("--exact requires a backend with vector search (postgres)")
		}
		results, err = searcher.NearestIdentities(ctx, query, limit)
	} else {
		results, err = rt.index().SearchIdentities(query, limit)
		if errors.Is(err, database.ErrIndexEmpty) {
			results, err = nil, nil
		}
	}
	if err != nil {
		return fmt.Errorf("searching identities: %w", err)
	}

	if jsonOutput {
		if results == nil {
			results = []database.Neighbor{}
		}
		return outputJSON(results)
	}
	if len(results) == 0 {
		fmt.Println("Catalog is empty.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "IDENTITY\tROW\tDISTANCE")
	fmt.Fprintln(w, "--------\t---\t--------")
	for _, n := range results {
		fmt.Fprintf(w, "%d\t%d\t%.4f\n", n.IdentityID, n.RowIndex, n.Distance)
	}
	w.Flush()
	return nil
}
