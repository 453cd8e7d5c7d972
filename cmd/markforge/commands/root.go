package commands

import (
	"io"
	"log/slog"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Lllllllleong/markforge/internal/config"
)

var (
	cfgFile string
	verbose bool
	noColor bool
)

var rootCmd = &cobra.Command{
	Use:   "markforge",
	Short: "Convert PDF and Office documents to Markdown in crash-safe chunks",
	Long: `markforge converts a directory tree of PDF, Office and text documents to
Markdown. Large PDFs are split into page chunks that are extracted
independently, so one bad page range never loses the whole document and an
interrupted batch leaves no partial output behind.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor {
			color.NoColor = true
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

// Execute runs the root command.
func Execute(version string) error {
	rootCmd.Version = version
	return rootCmd.Execute()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if noColor {
		cfg.Progress.NoColor = true
	}
	return cfg, nil
}

// newLogger returns a text logger. quiet raises the level to warnings so log
// lines do not tear interactive progress bars.
func newLogger(w io.Writer, quiet bool) *slog.Logger {
	level := slog.LevelInfo
	switch {
	case verbose:
		level = slog.LevelDebug
	case quiet:
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
