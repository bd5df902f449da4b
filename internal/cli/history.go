package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/wesotion/socket-file-sync/pkg/journal"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent file operations",
	Long:  `Show the most recent file operations recorded in the journal, newest first.`,
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of entries to show")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	src, err := loadSource(cmd)
	if err != nil {
		return err
	}
	path := src.Config().JournalPath
	if path == "" {
		return fmt.Errorf("the journal is disabled: set journalPath in %s", src.Path())
	}

	j, err := journal.Open(path)
	if err != nil {
		return err
	}
	defer j.Close()

	entries, err := j.Recent(historyLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No operations recorded")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSESSION\tOPERATION\tPATH\tSTATUS")
	for _, e := range entries {
		status := "ok"
		if !e.OK() {
			status = e.Err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.At.Format("2006-01-02 15:04:05"), e.Session, e.Op, e.Relative, status)
	}
	return w.Flush()
}
