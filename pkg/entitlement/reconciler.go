package entitlement

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Verifier re-derives an identity's entitlement from the authoritative
// billing provider. Implementations return (nil, nil) when the provider has
// no current entitlement for the identity, and an error only for transient
// failures (network, timeout, 5xx), which the reconciler treats as
// leave-everything-alone.
type Verifier interface {
	SyncIdentity(ctx context.Context, identity string) (*Entitlement, error)
}

// ReconcilerConfig holds reconciler configuration.
type ReconcilerConfig struct {
	// Cache is the session cache being revalidated (required).
	Cache *SessionCache

	// Verifier re-derives truth from the provider (required).
	Verifier Verifier

	// Manager, when set, extends each pass beyond the session cache to
	// every active or trialing entitlement in the store, marking rows
	// canceled when the provider no longer backs them.
	Manager *Manager

	// Interval between passes. Default: 24 hours.
	Interval time.Duration

	// MinAge is the minimum age of a cache entry before it is revisited.
	// Entries younger than this are presumed valid, so an entitlement
	// granted seconds ago is never revoked by a pass racing ahead of
	// replication. Default: 24 hours.
	MinAge time.Duration

	// PerCallTimeout bounds each identity's provider call so one slow
	// identity cannot stall the rest of the batch. Default: 15 seconds.
	PerCallTimeout time.Duration

	// MaxConcurrent bounds in-flight provider calls per pass. Default: 4.
	MaxConcurrent int

	// OnRevoked is called after a cache entry is invalidated because the
	// authoritative state disagreed with it. Used to notify the active
	// session. Optional.
	OnRevoked func(identity, reason string)

	Logger  Logger
	Metrics Metrics
}

// Reconciler periodically revalidates the session cache against the billing
// provider to catch missed or out-of-order webhooks. It never runs two
// passes concurrently, and it fails open: any provider error leaves the
// cache untouched, because revoking existing access on a transient outage
// would lock out paying users.
type Reconciler struct {
	config  ReconcilerConfig
	logger  Logger
	metrics Metrics

	runMu  sync.Mutex // serializes passes
	stopMu sync.Mutex
	stop   chan struct{}
	done   chan struct{}
}

// NewReconciler creates a reconciler. Cache and Verifier are required.
func NewReconciler(config ReconcilerConfig) (*Reconciler, error) {
	if config.Cache == nil || config.Verifier == nil {
		return nil, ErrStoreUnavailable
	}
	if config.Interval <= 0 {
		config.Interval = 24 * time.Hour
	}
	if config.MinAge <= 0 {
		config.MinAge = 24 * time.Hour
	}
	if config.PerCallTimeout <= 0 {
		config.PerCallTimeout = 15 * time.Second
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}
	logger := config.Logger
	if logger == nil {
		logger = &NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &Reconciler{
		config:  config,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Start launches the periodic reconciliation loop. It returns immediately;
// call Stop to shut the loop down. Starting an already started reconciler
// is a no-op.
func (r *Reconciler) Start(ctx context.Context) {
	r.stopMu.Lock()
	defer r.stopMu.Unlock()
	if r.stop != nil {
		return
	}
	r.stop = make(chan struct{})
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				if err := r.RunOnce(ctx); err != nil {
					r.logger.Warn("reconciliation pass failed", Field{Key: "error", Value: err.Error()})
				}
			}
		}
	}()
}

// Stop shuts down the periodic loop and waits for it to exit.
func (r *Reconciler) Stop() {
	r.stopMu.Lock()
	defer r.stopMu.Unlock()
	if r.stop == nil {
		return
	}
	close(r.stop)
	<-r.done
	r.stop = nil
	r.done = nil
}

// RunOnce executes a single reconciliation pass over the cached identities.
// Each identity is verified independently with a bounded timeout; failures
// are logged and skipped so the rest of the batch proceeds.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	now := time.Now().UTC()
	entries := r.config.Cache.Entries()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.MaxConcurrent)

	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		entry := entry
		seen[entry.Entitlement.Identity] = true
		if now.Sub(entry.CachedAt) < r.config.MinAge {
			// Freshly cached state is presumed valid; see MinAge.
			r.metrics.RecordReconcileRun("skipped_young")
			continue
		}
		g.Go(func() error {
			r.reconcileOne(gctx, &entry.Entitlement)
			return nil
		})
	}

	if r.config.Manager != nil {
		ents, err := r.config.Manager.ListEntitlements(ctx, StatusActive, StatusTrialing)
		if err != nil {
			r.logger.Warn("store sweep skipped", Field{Key: "error", Value: err.Error()})
		} else {
			for _, ent := range ents {
				ent := ent
				if seen[ent.Identity] {
					continue
				}
				if now.Sub(ent.UpdatedAt) < r.config.MinAge {
					r.metrics.RecordReconcileRun("skipped_young")
					continue
				}
				g.Go(func() error {
					r.sweepOne(gctx, ent)
					return nil
				})
			}
		}
	}

	return g.Wait()
}

func (r *Reconciler) reconcileOne(ctx context.Context, cached *Entitlement) {
	identity := cached.Identity

	callCtx, cancel := context.WithTimeout(ctx, r.config.PerCallTimeout)
	defer cancel()

	authoritative, err := r.config.Verifier.SyncIdentity(callCtx, identity)
	if err != nil {
		// Fail open: a provider outage must not revoke access.
		r.metrics.RecordReconcileRun("error")
		r.logger.Warn("reconciliation left cache untouched",
			Field{Key: "identity", Value: identity},
			Field{Key: "error", Value: err.Error()},
		)
		return
	}

	now := time.Now().UTC()
	if authoritative == nil || !authoritative.ActiveAt(now) {
		reason := "entitlement no longer exists"
		if authoritative != nil {
			reason = "entitlement " + string(authoritative.Status)
			if authoritative.Status.Entitled() {
				reason = "entitlement period ended"
			}
		}
		r.config.Cache.Invalidate(identity)
		r.metrics.RecordReconcileRun("revoked")
		r.logger.Info("cached entitlement revoked",
			Field{Key: "identity", Value: identity},
			Field{Key: "reason", Value: reason},
		)
		if r.config.OnRevoked != nil {
			r.config.OnRevoked(identity, reason)
		}
		return
	}

	r.config.Cache.Put(authoritative)
	r.metrics.RecordReconcileRun("refreshed")
}

// sweepOne revalidates a stored entitlement that has no cache entry. Like
// the cache path it fails open on provider errors, but a definitive
// disagreement marks the row canceled rather than only dropping a cache
// entry.
func (r *Reconciler) sweepOne(ctx context.Context, stored *Entitlement) {
	identity := stored.Identity

	callCtx, cancel := context.WithTimeout(ctx, r.config.PerCallTimeout)
	defer cancel()

	authoritative, err := r.config.Verifier.SyncIdentity(callCtx, identity)
	if err != nil {
		r.metrics.RecordReconcileRun("error")
		r.logger.Warn("store sweep left entitlement untouched",
			Field{Key: "identity", Value: identity},
			Field{Key: "error", Value: err.Error()},
		)
		return
	}

	now := time.Now().UTC()
	if authoritative != nil && authoritative.ActiveAt(now) {
		r.metrics.RecordReconcileRun("confirmed")
		return
	}

	reason := "entitlement no longer exists"
	if authoritative != nil {
		reason = "entitlement " + string(authoritative.Status)
		if authoritative.Status.Entitled() {
			reason = "entitlement period ended"
		}
	}
	if _, err := r.config.Manager.Cancel(ctx, identity); err != nil {
		r.metrics.RecordReconcileRun("error")
		r.logger.Warn("store sweep cancel failed",
			Field{Key: "identity", Value: identity},
			Field{Key: "error", Value: err.Error()},
		)
		return
	}
	r.config.Cache.Invalidate(identity)
	r.metrics.RecordReconcileRun("revoked")
	r.logger.Info("stored entitlement canceled",
		Field{Key: "identity", Value: identity},
		Field{Key: "reason", Value: reason},
	)
	if r.config.OnRevoked != nil {
		r.config.OnRevoked(identity, reason)
	}
}
