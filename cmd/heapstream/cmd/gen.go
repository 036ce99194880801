package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/heapstream/internal/archive"
	"github.com/heapstream/internal/storage"
	"github.com/heapstream/pkg/compression"
)

var (
	// Gen command flags
	genOutput     string
	genRoots      int
	genListLength int
	genStrings    int
	genCycles     bool
	genNullRoots  bool
	genSeed       int64
	genZstd       bool
	genPublish    string
)

// genCmd represents the gen command
var genCmd = &cobra.Command{
	Use:   "gen",
	Short: "Generate a synthetic heap archive",
	Long: `Generate an archive holding a synthetic object graph.

The graph mixes every object kind the loader handles: linked lists with
shared tails, reference arrays, mirrors with metadata pointers, slow-path
instances and duplicated strings marked for interning.`,
	RunE: runGen,
}

func init() {
	rootCmd.AddCommand(genCmd)

	genCmd.Flags().StringVarP(&genOutput, "output", "o", "", "Archive file to write (required)")
	genCmd.MarkFlagRequired("output")
	genCmd.Flags().IntVar(&genRoots, "roots", 1000, "Number of roots")
	genCmd.Flags().IntVar(&genListLength, "list-length", 8, "Maximum length of each root's list")
	genCmd.Flags().IntVar(&genStrings, "strings", 64, "Size of the interned string pool")
	genCmd.Flags().BoolVar(&genCycles, "cycles", false, "Link list tails back to their heads")
	genCmd.Flags().BoolVar(&genNullRoots, "null-roots", false, "Leave some roots null")
	genCmd.Flags().Int64Var(&genSeed, "seed", 1, "Random seed")
	genCmd.Flags().BoolVar(&genZstd, "zstd", false, "Compress the archive with zstd")
	genCmd.Flags().StringVar(&genPublish, "publish", "", "Upload the archive to storage under this key")
}

func runGen(cmd *cobra.Command, args []string) error {
	log := GetLogger()

	b, err := archive.Synthesize(archive.SynthOptions{
		Roots:      genRoots,
		ListLength: genListLength,
		Strings:    genStrings,
		Cycles:     genCycles,
		NullRoots:  genNullRoots,
		Seed:       genSeed,
	})
	if err != nil {
		return fmt.Errorf("failed to synthesize archive: %w", err)
	}

	comp := compression.TypeNone
	if genZstd {
		comp = compression.TypeZstd
	}
	if err := b.WriteFile(genOutput, comp); err != nil {
		return err
	}

	info, err := os.Stat(genOutput)
	if err != nil {
		return err
	}
	log.Info("wrote %s: %d objects, %d roots, %d bytes (%s)", genOutput, b.ObjectCount(), genRoots, info.Size(), comp)

	if genPublish == "" {
		return nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := storage.NewStorage(&cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}
	cache, err := storage.NewArchiveCache(store, cfg.Archive.CacheDir, log)
	if err != nil {
		return err
	}
	return cache.Publish(cmd.Context(), genPublish, genOutput)
}
