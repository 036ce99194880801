package cmd

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"runtime"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/heapstream/internal/archive"
	"github.com/heapstream/internal/heap"
	"github.com/heapstream/internal/heapprof"
	"github.com/heapstream/internal/loader"
	"github.com/heapstream/internal/repository"
	"github.com/heapstream/internal/storage"
	"github.com/heapstream/internal/verify"
	"github.com/heapstream/pkg/config"
	"github.com/heapstream/pkg/model"
	"github.com/heapstream/pkg/telemetry"
	"github.com/heapstream/pkg/utils"
)

var (
	// Load command flags
	loadArchive    string
	loadEager      bool
	loadGCAfter    time.Duration
	loadRequesters int
	loadRequests   int
	loadSeed       int64
	loadVerify     bool
	loadJSON       bool
	loadPprof      string
)

// loadCmd represents the load command
var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Materialize an archive into a fresh heap",
	Long: `Map an archive and stream it into a fresh heap.

Requester goroutines ask for random roots while the loader runs, so early
requests take the synchronous tracing path. The collector is enabled after
--gc-after, which switches the loader to careful copying. When every root is
materialized the run is summarized, optionally verified against the
archive, and recorded in the load history database if one is configured.`,
	RunE: runLoad,
}

func init() {
	rootCmd.AddCommand(loadCmd)

	bin := BinName()
	loadCmd.Example = `  # Load a local archive on a background worker
  ` + bin + ` load -a ./heap.hsar

  # Load eagerly, enabling the collector late, and verify the graph
  ` + bin + ` load -a ./heap.hsar --eager --gc-after 500ms --verify

  # Fetch the archive from object storage as configured
  ` + bin + ` load -c ./config.yaml --json`

	loadCmd.Flags().StringVarP(&loadArchive, "archive", "a", "", "Archive file (overrides archive.path)")
	loadCmd.Flags().BoolVar(&loadEager, "eager", false, "Materialize on the calling goroutines instead of a worker")
	loadCmd.Flags().DurationVar(&loadGCAfter, "gc-after", 10*time.Millisecond, "Delay before the collector is enabled")
	loadCmd.Flags().IntVar(&loadRequesters, "requesters", 4, "Number of goroutines requesting roots")
	loadCmd.Flags().IntVar(&loadRequests, "requests", 100, "Root requests per requester")
	loadCmd.Flags().Int64Var(&loadSeed, "seed", 1, "Random seed for root requests")
	loadCmd.Flags().BoolVar(&loadVerify, "verify", false, "Verify the materialized graph against the archive")
	loadCmd.Flags().BoolVar(&loadJSON, "json", false, "Print the load report as JSON")
	loadCmd.Flags().StringVar(&loadPprof, "pprof", "", "Write the loaded heap's type histogram as a pprof heap profile")
}

// loadParams drive the simulated application around one load.
type loadParams struct {
	Requesters int
	Requests   int
	GCAfter    time.Duration
	Seed       int64
}

func runLoad(cmd *cobra.Command, args []string) error {
	log := GetLogger()
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if loadArchive != "" {
		cfg.Archive.Source = "local"
		cfg.Archive.Path = loadArchive
	}
	if cmd.Flags().Changed("eager") {
		cfg.Loader.EagerLoading = loadEager
	}
	if cmd.Flags().Changed("verify") {
		cfg.Archive.Verify = loadVerify
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	shutdown, err := telemetry.Init(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Warn("failed to shut down telemetry: %v", err)
		}
	}()

	path, err := resolveArchive(ctx, cfg, log)
	if err != nil {
		return err
	}

	report, hist, err := executeLoad(ctx, cfg, path, loadParams{
		Requesters: loadRequesters,
		Requests:   loadRequests,
		GCAfter:    loadGCAfter,
		Seed:       loadSeed,
	}, log)
	if err != nil {
		return err
	}

	if loadPprof != "" {
		if err := heapprof.WriteFile(loadPprof, hist, path); err != nil {
			return err
		}
		log.Info("heap profile written to %s", loadPprof)
	}

	if cfg.Database.Enabled {
		if err := recordRun(ctx, &cfg.Database, report); err != nil {
			log.Warn("failed to record load run %s: %v", report.RunID, err)
		}
	}

	if loadJSON {
		if err := writeJSON(cmd, report, false); err != nil {
			return err
		}
	} else {
		printReport(cmd.OutOrStdout(), report)
	}

	if report.Status != model.LoadStatusSucceeded {
		return fmt.Errorf("load run %s failed: %s", report.RunID, report.Error)
	}
	return nil
}

// resolveArchive returns a local path for the configured archive, fetching
// it from object storage when needed.
func resolveArchive(ctx context.Context, cfg *config.Config, log utils.Logger) (string, error) {
	if cfg.Archive.Source != "cos" {
		if cfg.Archive.Path == "" {
			return "", fmt.Errorf("no archive given: use --archive or archive.path")
		}
		return cfg.Archive.Path, nil
	}

	store, err := storage.NewStorage(&cfg.Storage)
	if err != nil {
		return "", fmt.Errorf("failed to create storage: %w", err)
	}
	cache, err := storage.NewArchiveCache(store, cfg.Archive.CacheDir, log)
	if err != nil {
		return "", err
	}
	return cache.Fetch(ctx, cfg.Archive.Key)
}

// executeLoad materializes the archive at path into a fresh heap while
// requesters race the loader for roots. Loader failures are reported in
// the returned report; only setup failures return an error.
func executeLoad(ctx context.Context, cfg *config.Config, path string, p loadParams, log utils.Logger) (*model.LoadReport, []model.TypeCount, error) {
	report := &model.LoadReport{
		RunID:     uuid.NewString(),
		Archive:   path,
		Mode:      model.LoadModeBackground,
		StartedAt: time.Now(),
	}
	if cfg.Loader.EagerLoading {
		report.Mode = model.LoadModeEager
	}
	log = log.WithField("run", report.RunID)

	v, err := archive.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer v.Release()
	report.Objects = v.ObjectCount()
	report.Roots = v.RootCount()
	report.BufferBytes = v.BufferBytes()

	h := heap.New(heap.Options{
		CapacityWords: cfg.Heap.CapacityWords,
		MetadataBase:  cfg.Heap.MetadataBase,
		MetadataSize:  cfg.Heap.MetadataSize,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts := loader.OptionsFromConfig(cfg.Loader)
	opts.Logger = log
	opts.OnFatal = func(err error) {
		log.Error("loader failed: %v", err)
		cancel()
	}
	l, err := loader.New(v, h, opts)
	if err != nil {
		return nil, nil, err
	}
	defer l.Close()

	var requests atomic.Int64
	initErr := l.Initialize(ctx)
	if initErr == nil {
		g, gctx := errgroup.WithContext(ctx)
		if v.RootCount() > 0 {
			for i := 0; i < p.Requesters; i++ {
				rng := rand.New(rand.NewSource(p.Seed + int64(i)))
				g.Go(func() error {
					for n := 0; n < p.Requests && gctx.Err() == nil; n++ {
						l.GetRoot(gctx, rng.Intn(v.RootCount()))
						requests.Add(1)
					}
					return nil
				})
			}
		}
		g.Go(func() error {
			select {
			case <-time.After(p.GCAfter):
			case <-gctx.Done():
				return nil
			}
			l.EnableGC(gctx)
			return nil
		})

		l.FinishMaterializeObjects(ctx)
		_ = g.Wait()
		select {
		case <-l.Done():
		case <-ctx.Done():
		}
	}

	report.FinishedAt = time.Now()
	report.Requests = requests.Load()
	report.Stats = l.Stats()
	report.PhasesMS = make(map[string]int64)
	for name, d := range l.Phases() {
		report.PhasesMS[name] = d.Milliseconds()
	}

	report.Status = model.LoadStatusSucceeded
	if err := l.Err(); err != nil || initErr != nil {
		if err == nil {
			err = initErr
		}
		report.Status = model.LoadStatusFailed
		report.Error = err.Error()
		return report, h.Histogram(), nil
	}

	if cfg.Archive.Verify {
		vr, err := verify.Roots(ctx, v, h, l.GetRoot, runtime.NumCPU())
		if err != nil {
			return nil, nil, fmt.Errorf("verification interrupted: %w", err)
		}
		report.Verification = &vr
		if !vr.OK() {
			report.Status = model.LoadStatusFailed
			report.Error = fmt.Sprintf("verification found %d problems", len(vr.Problems))
		}
	}

	log.Info("loaded %d objects from %s in %s (%d batches, %d objects traced)",
		report.Objects, path, report.Duration(), report.Stats.Batches, report.Stats.ObjectsByTracer)
	return report, h.Histogram(), nil
}

func recordRun(ctx context.Context, cfg *config.DatabaseConfig, report *model.LoadReport) error {
	db, err := repository.NewGormDB(cfg)
	if err != nil {
		return err
	}
	repos := repository.NewRepositories(db)
	defer repos.Close()
	return repos.LoadRuns.Create(ctx, report)
}

func printReport(w io.Writer, r *model.LoadReport) {
	fmt.Fprintf(w, "Run:          %s (%s, %s)\n", r.RunID, r.Mode, r.Status)
	fmt.Fprintf(w, "Archive:      %s\n", r.Archive)
	fmt.Fprintf(w, "Objects:      %d in %d roots, %d buffer bytes\n", r.Objects, r.Roots, r.BufferBytes)
	fmt.Fprintf(w, "Duration:     %s\n", r.Duration())
	fmt.Fprintf(w, "Requests:     %d\n", r.Requests)
	fmt.Fprintln(w)

	s := r.Stats
	fmt.Fprintln(w, "=== Loader ===")
	fmt.Fprintf(w, "  Batches:          %d (%d careful)\n", s.Batches, s.CarefulBatches)
	fmt.Fprintf(w, "  By batch:         %d objects\n", s.ObjectsByBatch)
	fmt.Fprintf(w, "  By tracer:        %d objects, %d calls, %d waits\n", s.ObjectsByTracer, s.TracerCalls, s.TracerWaits)
	fmt.Fprintf(w, "  Interned strings: %d\n", s.InternedStrings)
	fmt.Fprintf(w, "  Allocated words:  %d\n", s.AllocatedWords)
	fmt.Fprintf(w, "  Handles:          %d upgraded, %d released\n", s.UpgradedHandles, s.HandlesReleased)
	if s.BudgetExhausted {
		fmt.Fprintln(w, "  Bootstrap budget exhausted before the collector was enabled")
	}
	phases := make([]string, 0, len(r.PhasesMS))
	for name := range r.PhasesMS {
		phases = append(phases, name)
	}
	sort.Strings(phases)
	for _, name := range phases {
		fmt.Fprintf(w, "  Phase %-10s %dms\n", name+":", r.PhasesMS[name])
	}

	if r.Verification != nil {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "=== Verification ===")
		fmt.Fprintf(w, "  %d roots, %d objects checked\n", r.Verification.RootsChecked, r.Verification.ObjectsChecked)
		for i, p := range r.Verification.Problems {
			if i >= 10 {
				fmt.Fprintf(w, "  ... and %d more problems\n", len(r.Verification.Problems)-10)
				break
			}
			fmt.Fprintf(w, "  - %s\n", p)
		}
	}
	if r.Error != "" {
		fmt.Fprintf(w, "\nError: %s\n", r.Error)
	}
}
