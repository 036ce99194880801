package cmd

import (
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/heapstream/pkg/config"
	"github.com/heapstream/pkg/pprof"
	"github.com/heapstream/pkg/utils"
	"github.com/heapstream/pkg/writer"
)

var (
	// Global flags
	verbose    bool
	configPath string
	logger     utils.Logger

	// Self-profiling flags
	profileDir   string
	profileTypes string
	profileAddr  string
	collector    *pprof.Collector
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "heapstream",
	Short: "Stream archived object graphs into a live heap",
	Long: `heapstream materializes archived heap snapshots into a running heap.

An archive holds a pre-serialized object graph in depth-first order. The
loader streams it into the heap in batches on a background worker while
application threads that need a root early materialize it themselves.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := utils.LevelInfo
		if verbose {
			level = utils.LevelDebug
		}
		logger = utils.NewDefaultLogger(level, cmd.ErrOrStderr())
		utils.SetGlobalLogger(logger)

		if profileDir == "" && profileAddr == "" {
			return nil
		}
		profiles, err := pprof.ParseProfileTypes(profileTypes)
		if err != nil {
			return err
		}
		c, err := pprof.NewCollector(&pprof.Config{OutputDir: profileDir, Profiles: profiles, Addr: profileAddr}, logger)
		if err != nil {
			return err
		}
		if err := c.Start(); err != nil {
			return err
		}
		collector = c
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if collector == nil {
			return nil
		}
		err := collector.Stop()
		if err != nil {
			logger.Warn("Failed to stop self-profiling: %v", err)
		}
		for _, f := range collector.Files() {
			logger.Info("profile written to %s", f)
		}
		collector = nil
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&profileDir, "profile-dir", "", "Profile heapstream itself and write the profiles here")
	rootCmd.PersistentFlags().StringVar(&profileTypes, "profile-types", "cpu,heap,mutex", "Comma-separated profile types: cpu,heap,goroutine,block,mutex,allocs")
	rootCmd.PersistentFlags().StringVar(&profileAddr, "profile-addr", "", "Serve /debug/pprof/ on this address while the command runs")

	bin := BinName()
	rootCmd.Example = `  # Generate a synthetic archive
  ` + bin + ` gen -o ./heap.hsar --roots 2000

  # Summarize an archive
  ` + bin + ` inspect -a ./heap.hsar

  # Load it with 8 requester threads and verify the result
  ` + bin + ` load -a ./heap.hsar --requesters 8 --verify

  # Profile the loader itself
  ` + bin + ` load -a ./heap.hsar --profile-dir ./profiles --profile-types cpu,mutex`
}

// GetLogger returns the configured logger
func GetLogger() utils.Logger {
	if logger == nil {
		return utils.GetGlobalLogger()
	}
	return logger
}

// BinName returns the base name of the current executable
func BinName() string {
	return filepath.Base(os.Args[0])
}

// loadConfig reads --config when given and falls back to defaults.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// writeJSON prints data to the command's output, indented when a person
// is reading it.
func writeJSON[T any](cmd *cobra.Command, data T, pretty bool) error {
	out := cmd.OutOrStdout()
	w := writer.NewJSONWriter[T]()
	if pretty || isTerminal(out) {
		w = writer.NewPrettyJSONWriter[T]()
	}
	return w.Write(data, out)
}
