package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/fmsgo/fms/envconfig"
	"github.com/fmsgo/fms/logutil"
)

func setupLogging(cmd *cobra.Command, _ []string) {
	// Disable usage printing on errors
	cmd.SilenceUsage = true

	var attrs []slog.Attr
	if envconfig.WorldSize > 1 {
		attrs = append(attrs, slog.Int("rank", envconfig.LocalRank))
	}

	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel(), attrs...))
}

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fms",
		Short: "Run and convert LLaMA checkpoints",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: setupLogging,
	}

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(
		NewInferCmd(),
		NewConvertCmd(),
		NewInspectCmd(),
		NewConfigCmd(),
	)

	return rootCmd
}
