package services

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/openclaw/launcher/internal/core/domain"
	"github.com/openclaw/launcher/internal/core/ports"
)

// ProxyHealth is the reconciler's view of the egress proxy.
type ProxyHealth interface {
	Healthy() bool
}

// Reconciler periodically compares the registry's believed state against
// the runtime's observed state and corrects the status cache. It is the
// only writer of CPU/memory samples and restart counts.
type Reconciler struct {
	registry ports.Registry
	runtime  ports.ContainerRuntime
	cache    *StatusCache
	restarts *RestartCounters
	proxy    ProxyHealth
	interval time.Duration
	log      zerolog.Logger

	started  atomic.Bool
	inFlight atomic.Bool

	// prevSamples backs the CPU-rate computation. Only the reconciliation
	// pass touches it, and passes never overlap.
	prevSamples map[string]domain.ResourceSample
}

func NewReconciler(
	reg ports.Registry,
	runtime ports.ContainerRuntime,
	cache *StatusCache,
	restarts *RestartCounters,
	proxy ProxyHealth,
	interval time.Duration,
	log zerolog.Logger,
) *Reconciler {
	return &Reconciler{
		registry:    reg,
		runtime:     runtime,
		cache:       cache,
		restarts:    restarts,
		proxy:       proxy,
		interval:    interval,
		log:         log.With().Str("component", "reconciler").Logger(),
		prevSamples: make(map[string]domain.ResourceSample),
	}
}

// Start launches the recurring loop: one immediate pass, then one per
// interval. Starting an already-started reconciler is a no-op.
func (r *Reconciler) Start(ctx context.Context) {
	if r.started.Swap(true) {
		return
	}
	go func() {
		r.RunOnce(ctx)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.RunOnce(ctx)
			}
		}
	}()
}

// RunOnce executes a single reconciliation pass. If the previous pass is
// still in flight the call is skipped rather than overlapped.
func (r *Reconciler) RunOnce(ctx context.Context) {
	if r.inFlight.Swap(true) {
		r.log.Debug().Msg("previous pass still running, skipping")
		return
	}
	defer r.inFlight.Store(false)

	doc := r.registry.Load()
	present := make(map[string]bool, len(doc.Instances))
	for identity := range doc.Instances {
		present[identity] = true
		r.reconcileInstance(ctx, identity)
	}

	r.cache.Prune(present)
	r.restarts.Prune(present)

	if r.proxy != nil && !r.proxy.Healthy() {
		r.log.Warn().Msg("egress proxy is down; sandbox egress is currently unfiltered")
	}
}

func (r *Reconciler) reconcileInstance(ctx context.Context, identity string) {
	name := domain.ContainerName(identity)

	status, err := r.runtime.Status(ctx, name)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		status = domain.StatusNotFound
	default:
		// Runtime unreachable: skip this identity, try again next pass.
		r.log.Warn().Str("instance", identity).Err(err).Msg("status query failed, skipping")
		return
	}

	previous, seen := r.cache.Get(identity)

	// A running instance erases any standing explicit-stop mark; until
	// then the mark keeps the reported status at "stopped" on every pass.
	if status == domain.StatusRunning {
		r.cache.ClearExplicitStop(identity)
	}
	explicitStop := status != domain.StatusRunning && r.cache.ExplicitStopped(identity)
	if seen && previous.Status == domain.StatusRunning && status != domain.StatusRunning && !explicitStop {
		r.restarts.Increment(identity)
		r.log.Info().Str("instance", identity).Str("status", status).Msg("unexpected exit observed")
	}

	entry := StatusEntry{Status: status, ObservedAt: time.Now()}
	if explicitStop && status == domain.StatusExited {
		entry.Status = domain.StatusStopped
	}

	if status == domain.StatusRunning {
		if sample, err := r.runtime.Sample(ctx, name); err == nil {
			entry.CPUPercent = r.cpuPercent(identity, sample)
			entry.MemoryBytes = sample.MemoryBytes
			r.prevSamples[identity] = sample
		}
	} else {
		// Dropping the previous sample forces the first post-restart
		// reading to zero.
		delete(r.prevSamples, identity)
	}

	r.cache.Set(identity, entry)
}

// cpuPercent computes the CPU usage between the previous pass's sample
// and this one, normalized by core count.
func (r *Reconciler) cpuPercent(identity string, current domain.ResourceSample) float64 {
	previous, ok := r.prevSamples[identity]
	if !ok {
		return 0
	}
	if current.CPUTotal <= previous.CPUTotal || current.SystemCPU <= previous.SystemCPU {
		return 0
	}
	cpuDelta := float64(current.CPUTotal - previous.CPUTotal)
	systemDelta := float64(current.SystemCPU - previous.SystemCPU)
	return cpuDelta / systemDelta * float64(current.OnlineCPUs) * 100
}
