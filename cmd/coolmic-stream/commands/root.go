package commands

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/CoolMicApp/libcoolmic-dsp/pkg/dsp"
)

var rootCmd = &cobra.Command{
	Use:   "coolmic-stream",
	Short: "Stream live or recorded audio to an Icecast server",
	Long: `coolmic-stream captures PCM audio from a local source, encodes it
as Ogg Vorbis or Ogg Opus and pushes the stream to an Icecast-family
server, with automatic reconnection and live level metering.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			dsp.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelDebug,
			})))
		}
	},
}

var verbose bool

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable engine logging")
	rootCmd.AddCommand(streamCmd)
	rootCmd.AddCommand(featuresCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
