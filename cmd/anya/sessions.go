package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/m-mizutani/goerr/v2"
	"github.com/spf13/cobra"

	"github.com/pm-ju/anya-web-extension/internal/models"
	"github.com/pm-ju/anya-web-extension/internal/storage"
)

var (
	recentLimit     int
	transcriptLimit int64
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect archived sessions (requires storage.mysql)",
}

var sessionsRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List the most recently closed sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessionsRecent,
}

var transcriptCmd = &cobra.Command{
	Use:   "transcript <transcript-id>",
	Short: "Print the mirrored transcript of a session (requires storage.redis)",
	Args:  cobra.ExactArgs(1),
	RunE:  runTranscript,
}

func init() {
	sessionsRecentCmd.Flags().IntVarP(&recentLimit, "limit", "n", 20, "number of sessions")
	transcriptCmd.Flags().Int64VarP(&transcriptLimit, "limit", "n", 0, "number of entries (0 for all mirrored)")
	sessionsCmd.AddCommand(sessionsRecentCmd)
	rootCmd.AddCommand(sessionsCmd, transcriptCmd)
}

func runSessionsRecent(cmd *cobra.Command, args []string) error {
	cfg, err := loadInspectConfig()
	if err != nil {
		return err
	}
	if !cfg.Storage.MySQL.Enabled {
		return goerr.New("storage.mysql is not enabled")
	}
	store, err := storage.NewMySQLStore(cfg.Storage.MySQL)
	if err != nil {
		return err
	}
	defer store.Close()

	summaries, err := store.RecentSessions(cmd.Context(), recentLimit)
	if err != nil {
		return err
	}
	return printSessions(os.Stdout, summaries)
}

func runTranscript(cmd *cobra.Command, args []string) error {
	cfg, err := loadInspectConfig()
	if err != nil {
		return err
	}
	if !cfg.Storage.Redis.Enabled {
		return goerr.New("storage.redis is not enabled")
	}
	store, err := storage.NewRedisStore(cfg.Storage.Redis)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.RecentEntries(cmd.Context(), args[0], transcriptLimit)
	if err != nil {
		return err
	}
	return printTranscript(os.Stdout, entries)
}

func printSessions(out io.Writer, summaries []models.SessionSummary) error {
	if len(summaries) == 0 {
		fmt.Fprintln(out, "no sessions")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TRANSCRIPT\tCONNECTION\tTURNS\tUSER\tASSISTANT\tMINUTES\tCLOSED")
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%.1f\t%s\n",
			s.SessionID, s.ConnectionID, s.TotalTurns, s.UserTurns, s.AssistantTurns,
			s.DurationMinutes, s.ClosedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func printTranscript(out io.Writer, entries []models.TranscriptEntry) error {
	if len(entries) == 0 {
		fmt.Fprintln(out, "no entries")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TURN\tTIME\tSPEAKER\tTEXT")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", e.TurnNumber, e.Timestamp.Format("15:04:05"), e.Speaker, e.Text)
	}
	return w.Flush()
}
