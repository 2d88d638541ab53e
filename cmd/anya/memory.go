package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pm-ju/anya-web-extension/internal/rag"
)

var queryTopK int

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect the semantic memory (the server must be stopped)",
}

var memoryStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show record count and index size",
	Args:  cobra.NoArgs,
	RunE:  runMemoryStats,
}

var memoryQueryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Show the records most similar to text",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runMemoryQuery,
}

func init() {
	memoryQueryCmd.Flags().IntVarP(&queryTopK, "top", "k", 5, "number of results")
	memoryCmd.AddCommand(memoryStatsCmd, memoryQueryCmd)
	rootCmd.AddCommand(memoryCmd)
}

func openStore(ctx context.Context) (*rag.MemoryStore, error) {
	cfg, err := loadInspectConfig()
	if err != nil {
		return nil, err
	}
	embedder, err := newEmbedder(cfg)
	if err != nil {
		return nil, err
	}
	return rag.OpenMemoryStore(ctx, cfg.Memory, embedder)
}

func runMemoryStats(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	stats := store.Stats()
	fmt.Printf("conversations: %d / %d\n", stats.TotalConversations, stats.Capacity)
	fmt.Printf("dimensions:    %d\n", stats.Dimensions)
	fmt.Printf("index size:    %.2f MB\n", stats.MemorySizeMB)
	return nil
}

func runMemoryQuery(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	results, err := store.Query(cmd.Context(), strings.Join(args, " "), queryTopK)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("no memories")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSIMILARITY\tSPEAKER\tTIME\tTEXT")
	for _, r := range results {
		fmt.Fprintf(w, "%d\t%.3f\t%s\t%s\t%s\n",
			r.Record.ID, r.Similarity, r.Record.Speaker,
			r.Record.Timestamp.Format("2006-01-02 15:04"), r.Record.Text)
	}
	return w.Flush()
}
