package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config [dir]",
	Short: "Print the effective configuration",
	Long: `Print the configuration a directory resolves to: its project file
over the global file. The secret is redacted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	src, err := loadSource(cmd)
	if err != nil {
		return err
	}

	var dir string
	if len(args) > 0 {
		dir = args[0]
	}
	dir, err = workingDir(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve directory: %w", err)
	}

	eff, err := src.ProjectConfig(dir)
	if err != nil {
		return err
	}
	eff.Cwd = dir

	data, err := json.MarshalIndent(eff.Redacted(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, string(data))
	fmt.Fprintf(out, "\nGlobal config: %s\n", src.Path())
	return nil
}
