package loader

import (
	"os"

	"github.com/heapstream/internal/heap"
	"github.com/heapstream/internal/layout"
	"github.com/heapstream/pkg/config"
	"github.com/heapstream/pkg/telemetry"
	"github.com/heapstream/pkg/utils"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultMinBatchObjects is the object count a batch grows to before it
	// stops admitting roots.
	DefaultMinBatchObjects = 128

	// prelinkedFloorBytes is the minimum assumed footprint of other
	// prelinked data when computing the early-phase budget.
	prelinkedFloorBytes = 2 << 20
)

// Heap is the allocator and collector the loader materializes into.
type Heap interface {
	AllocateInstance(t *layout.Type, size int) (heap.Address, error)
	AllocateArray(t *layout.Type, size, length int, zeroFill bool) (heap.Address, error)
	AllocateMirror(t *layout.Type, size int) (heap.Address, error)
	Intern(s heap.Address) (heap.Address, error)
	Object(a heap.Address) *heap.Object
	Handles() *heap.HandleStorage
	Metadata() heap.MetadataSpace
	SetGCEnabled(enabled bool)
}

// Starter launches the background loader worker.
type Starter interface {
	Start(name string, entry func())
}

// GoStarter runs workers as goroutines.
type GoStarter struct{}

// Start runs entry on a new goroutine.
func (GoStarter) Start(_ string, entry func()) {
	go entry()
}

// BatchInfo describes one admitted batch.
type BatchInfo struct {
	Number  int
	Start   int
	End     int
	Roots   int
	Careful bool
}

// Options configures a Loader.
type Options struct {
	// EagerLoading materializes on the calling threads instead of a
	// background worker.
	EagerLoading bool
	// MinBatchObjects is the batch admission threshold.
	MinBatchObjects int
	// BootstrapMaxMemory is the heap memory usable before a collector runs.
	BootstrapMaxMemory int64
	// OtherPrelinkedBytes is heap memory already taken by other data.
	OtherPrelinkedBytes int64

	Logger  utils.Logger
	Starter Starter
	// Tracer opens the loader's spans. Defaults to the global provider.
	Tracer trace.Tracer

	// OnFatal receives the first unrecoverable error. The default logs it
	// and exits the process.
	OnFatal func(err error)
	// OnBatch is called after a batch is admitted and before it is
	// materialized, on the thread running the batch.
	OnBatch func(BatchInfo)
}

// OptionsFromConfig maps the loader configuration section onto Options.
func OptionsFromConfig(cfg config.LoaderConfig) Options {
	return Options{
		EagerLoading:        cfg.EagerLoading,
		MinBatchObjects:     cfg.MinBatchObjects,
		BootstrapMaxMemory:  cfg.BootstrapMaxMemory,
		OtherPrelinkedBytes: cfg.OtherPrelinkedBytes,
	}
}

func (o *Options) applyDefaults() {
	if o.MinBatchObjects <= 0 {
		o.MinBatchObjects = DefaultMinBatchObjects
	}
	if o.Logger == nil {
		o.Logger = utils.GetGlobalLogger()
	}
	o.Logger = o.Logger.WithField("component", "heap-loader")
	if o.Starter == nil {
		o.Starter = GoStarter{}
	}
	if o.Tracer == nil {
		o.Tracer = telemetry.Tracer()
	}
	if o.OnFatal == nil {
		logger := o.Logger
		o.OnFatal = func(err error) {
			logger.Error("fatal error materializing archived heap: %v", err)
			os.Exit(1)
		}
	}
}

// budgetWords is the early-phase allocation budget in heap words.
func (o *Options) budgetWords() int64 {
	other := max(o.OtherPrelinkedBytes, prelinkedFloorBytes)
	return max(o.BootstrapMaxMemory-other, 0) / layout.WordSize
}
