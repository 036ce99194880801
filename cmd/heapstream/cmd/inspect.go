package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/heapstream/internal/archive"
	"github.com/heapstream/internal/heapprof"
	"github.com/heapstream/pkg/model"
)

var (
	// Inspect command flags
	inspectArchive string
	inspectJSON    bool
	inspectLimit   int
	inspectPprof   string
)

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Summarize an archive without loading it",
	Long: `Print an archive's header, its type histogram and the per-root
watermarks the loader batches on. With --limit the first objects are listed
along with the roots entering at each one.`,
	RunE: runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)

	inspectCmd.Flags().StringVarP(&inspectArchive, "archive", "a", "", "Archive file (required)")
	inspectCmd.MarkFlagRequired("archive")
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "Print the summary as JSON")
	inspectCmd.Flags().IntVarP(&inspectLimit, "limit", "n", 0, "Number of objects to list")
	inspectCmd.Flags().StringVar(&inspectPprof, "pprof", "", "Write the type histogram as a pprof heap profile")
}

func runInspect(cmd *cobra.Command, args []string) error {
	v, err := archive.Open(inspectArchive)
	if err != nil {
		return err
	}
	defer v.Release()

	summary := summarize(v, inspectLimit)
	if inspectPprof != "" {
		if err := heapprof.WriteFile(inspectPprof, summary.Types, v.Path()); err != nil {
			return err
		}
		GetLogger().Info("heap profile written to %s", inspectPprof)
	}

	if inspectJSON {
		return writeJSON(cmd, summary, false)
	}
	printSummary(cmd.OutOrStdout(), summary)
	return nil
}

func summarize(v *archive.View, limit int) *model.ArchiveSummary {
	s := &model.ArchiveSummary{
		Path:        v.Path(),
		Compression: v.Compression().String(),
		Version:     v.Header().Version,
		Objects:     v.ObjectCount(),
		Roots:       v.RootCount(),
		BufferBytes: v.BufferBytes(),
		RefWords:    v.Oopmap().Count(),
		Types:       v.Histogram(),
		RootHighest: make([]int, v.RootCount()),
	}
	for r := range s.RootHighest {
		s.RootHighest[r] = v.RootHighest(r)
	}
	if limit <= 0 {
		return s
	}
	membership := v.RootMembership()
	for i := 1; i <= min(limit, v.ObjectCount()); i++ {
		info := v.Info(i)
		info.Roots = membership[i]
		s.Sample = append(s.Sample, info)
	}
	return s
}

func printSummary(w io.Writer, s *model.ArchiveSummary) {
	fmt.Fprintf(w, "Archive:      %s (%s, version %d)\n", s.Path, s.Compression, s.Version)
	fmt.Fprintf(w, "Objects:      %d\n", s.Objects)
	fmt.Fprintf(w, "Roots:        %d\n", s.Roots)
	fmt.Fprintf(w, "Buffer:       %d bytes, %d reference words\n", s.BufferBytes, s.RefWords)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Types ===")
	for _, tc := range s.Types {
		fmt.Fprintf(w, "  %-24s %-9s %8d objects %10d words\n", truncateString(tc.Type, 24), tc.Kind, tc.Objects, tc.Words)
	}

	if len(s.Sample) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "=== Objects ===")
		for _, o := range s.Sample {
			fmt.Fprintf(w, "  %6d  %-24s %4d words %3d refs", o.Index, truncateString(o.Type, 24), o.SizeWords, o.Refs)
			if o.Interned {
				fmt.Fprint(w, "  interned")
			}
			if len(o.Roots) > 0 {
				fmt.Fprintf(w, "  roots %v", o.Roots)
			}
			fmt.Fprintln(w)
		}
	}
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
