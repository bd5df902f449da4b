package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/wesotion/socket-file-sync/internal/config"
)

var configureCmd = &cobra.Command{
	Use:   "configure [dir]",
	Short: "Run interactive configuration wizard",
	Long: `Run an interactive configuration wizard to set up socket-file-sync.
The wizard asks for the shared settings saved in the global file and for
the project settings saved in the directory to sync.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigure,
}

func init() {
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
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

	current, err := src.ProjectConfig(dir)
	if err != nil {
		return err
	}

	answers, err := config.NewWizard(cmd.InOrStdin(), cmd.OutOrStdout()).Run(current)
	if err != nil {
		return fmt.Errorf("configuration failed: %w", err)
	}

	if err := src.SaveGlobal(answers.Global); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}
	if len(answers.Project) > 0 {
		if err := src.SaveProject(dir, answers.Project); err != nil {
			return fmt.Errorf("failed to save project configuration: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nConfiguration saved to: %s\n", src.Path())
	fmt.Fprintln(out, "\nYou can now start syncing with: socket-file-sync client")
	return nil
}
