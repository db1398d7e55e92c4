// Package pipeline drives input → (inject → encode)* with either
// fan-out or chained semantics (spec.md §4.5). It is structured after
// the teacher's stage pattern: an immutable-config-at-construction
// struct with a single Run(), atomic-counter stats fed to a progress
// bar, and a non-fatal-error channel drained by the caller.
package pipeline

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/queer/peckish/internal/artifact"
	"github.com/queer/peckish/internal/cache"
	"github.com/queer/peckish/internal/injection"
	"github.com/queer/peckish/internal/memfs"
	"github.com/queer/peckish/internal/progress"
	"github.com/queer/peckish/internal/types"
)

// Input describes the one artifact the pipeline decodes before fanning
// out or chaining into its producers.
type Input struct {
	Format  types.FormatTag
	Locator artifact.Locator
	Options artifact.Options
}

// stats tracks pipeline progress across producers, the same shape as
// the teacher's verifier/deduper stats structs.
type stats struct {
	decoded   atomic.Int64
	encoded   atomic.Int64
	total     int64
	startTime time.Time
}

func (s *stats) String() string {
	elapsed := time.Since(s.startTime).Truncate(time.Millisecond)
	return fmt.Sprintf("encoded %d/%d producers in %v", s.encoded.Load(), s.total, elapsed)
}

// Engine drives one pipeline run. Config fields are set once by New and
// never mutated afterward; a single run's state (stats, progress bar)
// belongs to Run.
type Engine struct {
	// Config (immutable, set by New)
	chain        bool
	store        *memfs.Store
	injections   *injection.Engine
	workers      int
	showProgress bool
	errCh        chan<- error
	blobCache    *cache.Cache
}

// New creates an Engine. store is the run-scoped staging backend shared
// by every codec Decode/Encode call; the caller owns it and must Close
// it once Run returns (spec.md §5, "Shared resources"). blobCache may be
// nil (caching disabled); when set, it's threaded into every producer's
// Options so the docker/oci codecs can skip repeat daemon round trips
// for a locator already seen this run.
func New(store *memfs.Store, injections *injection.Engine, workers int, showProgress bool, errCh chan<- error, blobCache *cache.Cache) *Engine {
	if workers < 1 {
		workers = 1
	}
	return &Engine{
		store:        store,
		injections:   injections,
		workers:      workers,
		showProgress: showProgress,
		errCh:        errCh,
		blobCache:    blobCache,
	}
}

// withCache returns opts with Cache set to e.blobCache when the caller
// hasn't already set one of its own.
func (e *Engine) withCache(opts artifact.Options) artifact.Options {
	if opts.Cache == nil {
		opts.Cache = e.blobCache
	}
	return opts
}

// Run decodes input, then drives producers either concurrently
// (fan-out) or sequentially with re-decode between stages (chain),
// returning the produced artifact handles in input order. On any
// producer error Run aborts and returns that error immediately;
// already-written outputs are left on disk (spec.md §4.5's failure
// semantics — no rollback).
func (e *Engine) Run(chain bool, input Input, producers []artifact.Producer) ([]*artifact.Artifact, error) {
	e.chain = chain

	m0, _, err := artifact.Decode(input.Format, e.store, input.Locator, e.withCache(input.Options))
	if err != nil {
		return nil, fmt.Errorf("pipeline: decode input: %w", err)
	}

	st := &stats{total: int64(len(producers)), startTime: time.Now()}
	bar := progress.New(e.showProgress, st.total)
	defer bar.Describe(st)

	if chain {
		return e.runChain(m0, producers, st, bar)
	}
	return e.runFanOut(m0, producers, st, bar)
}

// runFanOut deep-copies m0 for each producer and runs them concurrently,
// bounded by e.workers, matching spec.md §4.5 step 2 and §5's "no
// sharing, no locking required between producers".
func (e *Engine) runFanOut(m0 *memfs.MemFS, producers []artifact.Producer, st *stats, bar *progress.Bar) ([]*artifact.Artifact, error) {
	results := make([]*artifact.Artifact, len(producers))
	errs := make([]error, len(producers))
	sem := types.NewSemaphore(e.workers)

	var wg sync.WaitGroup
	for i, p := range producers {
		wg.Add(1)
		go func(i int, p artifact.Producer) {
			defer wg.Done()
			sem.Acquire()
			defer sem.Release()

			art, err := e.runOneProducer(m0.Clone(), p)
			st.encoded.Add(1)
			bar.Describe(st)
			if err != nil {
				errs[i] = fmt.Errorf("producer %q: %w", p.Name, err)
				return
			}
			results[i] = art
		}(i, p)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// runChain folds left over producers: apply injections, encode, then
// re-decode the just-written artifact to become the next stage's input
// (spec.md §4.5 step 3).
func (e *Engine) runChain(m0 *memfs.MemFS, producers []artifact.Producer, st *stats, bar *progress.Bar) ([]*artifact.Artifact, error) {
	results := make([]*artifact.Artifact, 0, len(producers))
	current := m0

	for _, p := range producers {
		art, err := e.runOneProducer(current, p)
		st.encoded.Add(1)
		bar.Describe(st)
		if err != nil {
			return nil, fmt.Errorf("producer %q: %w", p.Name, err)
		}
		results = append(results, art)

		next, _, err := artifact.Decode(p.Format, e.store, p.Locator, e.withCache(artifact.Options{}))
		if err != nil {
			return nil, fmt.Errorf("producer %q: re-decode: %w", p.Name, err)
		}
		current = next
	}
	return results, nil
}

// runOneProducer applies p's injections to fs (owned exclusively by this
// call) and encodes it.
func (e *Engine) runOneProducer(fs *memfs.MemFS, p artifact.Producer) (*artifact.Artifact, error) {
	if err := e.injections.Apply(fs, p.Injections); err != nil {
		return nil, fmt.Errorf("inject: %w", err)
	}
	warnLossyEncode(p, e.errCh)
	return artifact.Encode(p.Format, e.store, fs, p.Locator, p.Metadata, e.withCache(p.Options))
}

// warnLossyEncode reports a non-fatal warning to errCh when a producer's
// target format can't represent ownership, xattrs, hardlinks, or device
// nodes. It never blocks the pipeline (spec.md §9, chain-mode capability
// loss); it only documents what's about to be dropped.
func warnLossyEncode(p artifact.Producer, errCh chan<- error) {
	caps := artifact.CapabilitiesFor(p.Format)
	if caps.SupportsOwnership && caps.SupportsXattrs && caps.SupportsHardlinks && caps.SupportsDeviceNodes {
		return
	}
	if errCh == nil {
		return
	}
	select {
	case errCh <- fmt.Errorf("producer %q: format %q may not represent all source features", p.Name, p.Format):
	default:
	}
}
