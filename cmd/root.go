package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flywheel-ml/flywheel/cmd/event"
	"github.com/flywheel-ml/flywheel/cmd/label"
	"github.com/flywheel-ml/flywheel/cmd/model"
	retraincmd "github.com/flywheel-ml/flywheel/cmd/retrain"
	"github.com/flywheel-ml/flywheel/cmd/review"
	"github.com/flywheel-ml/flywheel/cmd/serve"
	"github.com/flywheel-ml/flywheel/cmd/trainconfig"
	"github.com/flywheel-ml/flywheel/internal/conf"
	"github.com/flywheel-ml/flywheel/internal/logging"
)

// RootCommand creates and returns the root command
func RootCommand(settings *conf.Settings) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "flywheel",
		Short: "Flywheel model lifecycle CLI",
	}

	// Set up the global flags for the root command.
	setupFlags(rootCmd, settings)

	subcommands := []*cobra.Command{
		label.Command(settings),
		model.Command(settings),
		retraincmd.Command(settings),
		event.Command(settings),
		review.Command(settings),
		trainconfig.Command(settings),
		serve.Command(settings),
	}

	rootCmd.AddCommand(subcommands...)

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if settings.Debug {
			logging.SetLevel(slog.LevelDebug)
		}
	}

	return rootCmd
}

// setupFlags defines the global flags for the root command.
func setupFlags(rootCmd *cobra.Command, settings *conf.Settings) {
	rootCmd.PersistentFlags().BoolVarP(&settings.Debug, "debug", "d", viper.GetBool("debug"), "Enable debug output")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		logging.Error("error binding flags", "error", err)
	}
}
