// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/telekom/openapi-discovery-operator/pkg/apidoc"
	"github.com/telekom/openapi-discovery-operator/pkg/metrics"
	"github.com/telekom/openapi-discovery-operator/pkg/record"
	"github.com/telekom/openapi-discovery-operator/pkg/tracing"
)

const (
	// DefaultDebounce is the default delay between the first change and the commit.
	DefaultDebounce = 2 * time.Second

	// DefaultResyncInterval is the default period of full rescans that
	// account for missed events.
	DefaultResyncInterval = 15 * time.Minute
)

var (
	errWatchClosed = errors.New("watch channel closed")
	errResyncDue   = errors.New("periodic full rescan due")
)

// Phase is the lifecycle phase of the Reconciler.
type Phase string

const (
	// PhaseIdle is the phase before Start, e.g. while waiting for leadership.
	PhaseIdle Phase = "Idle"
	// PhaseConnecting lists the Services in scope.
	PhaseConnecting Phase = "Connecting"
	// PhaseSynchronizing rebuilds the canonical set from the listed Services.
	PhaseSynchronizing Phase = "Synchronizing"
	// PhaseStreaming applies watch events.
	PhaseStreaming Phase = "Streaming"
	// PhaseReconnecting waits before the next full resynchronization.
	PhaseReconnecting Phase = "Reconnecting"
	// PhaseStopped is entered once Start returns.
	PhaseStopped Phase = "Stopped"
)

var allPhases = []string{
	string(PhaseIdle), string(PhaseConnecting), string(PhaseSynchronizing),
	string(PhaseStreaming), string(PhaseReconnecting), string(PhaseStopped),
}

// Options tune the Reconciler. Zero values select the defaults.
type Options struct {
	// Extractor turns Services into descriptors.
	Extractor apidoc.Extractor
	// Debounce is the delay between the first unsaved change and the commit.
	Debounce time.Duration
	// CommitBackoff bounds the retries of conflicting record writes.
	CommitBackoff wait.Backoff
	// WatchBackoff spaces out reconnects after a broken watch.
	WatchBackoff wait.Backoff
	// ResyncInterval is the period of full rescans, negative to disable.
	ResyncInterval time.Duration
	// Clock drives the debounce timer.
	Clock clock.Clock
	// Tracer records commit spans.
	Tracer trace.Tracer
}

// observation is a documented Service as last seen by the reconciler.
type observation struct {
	descriptor apidoc.Descriptor
	// seq orders observations, the highest wins a name collision.
	seq uint64
}

// Reconciler keeps the discovery record in line with the documented Services
// in scope. Exactly one Reconciler may be active per record.
type Reconciler struct {
	sources []Source
	store   record.Store
	opts    Options

	mutex sync.RWMutex
	phase Phase

	// owned by the Start goroutine
	observed      map[types.NamespacedName]observation
	seq           uint64
	committed     apidoc.Set
	haveCommitted bool
	sessions      int
}

// NewReconciler creates a Reconciler that watches sources and writes to store.
func NewReconciler(sources []Source, store record.Store, opts Options) *Reconciler {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.CommitBackoff.Steps == 0 {
		opts.CommitBackoff = record.NewCommitBackoff(5)
	}
	if opts.ResyncInterval == 0 {
		opts.ResyncInterval = DefaultResyncInterval
	}
	if opts.WatchBackoff.Steps == 0 {
		opts.WatchBackoff = NewForeverWatchBackoff()
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer(tracing.TracerName)
	}
	return &Reconciler{
		sources:  sources,
		store:    store,
		opts:     opts,
		phase:    PhaseIdle,
		observed: map[types.NamespacedName]observation{},
	}
}

// NeedLeaderElection implements LeaderElectionRunnable. Only the leader may
// write the discovery record.
func (r *Reconciler) NeedLeaderElection() bool {
	return true
}

// Phase returns the current lifecycle phase.
func (r *Reconciler) Phase() Phase {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.phase
}

// ReadyCheck is a healthz.Checker. Standby replicas are ready, an active
// reconciler only while it is streaming.
func (r *Reconciler) ReadyCheck(_ *http.Request) error {
	switch phase := r.Phase(); phase {
	case PhaseIdle, PhaseStreaming:
		return nil
	default:
		return fmt.Errorf("reconciler is %s", phase)
	}
}

// Start runs the reconciler until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName("Reconciler")
	ctx = log.IntoContext(ctx, logger)

	if len(r.sources) == 0 {
		return errors.New("reconciler has no sources")
	}

	r.loadCommitted(ctx)

	err := ExponentialBackoffWithContext(ctx, r.opts.WatchBackoff, r.session)
	r.setPhase(ctx, PhaseStopped)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// loadCommitted seeds the last committed set from the stored record so that
// an unchanged cluster causes no write after a restart.
func (r *Reconciler) loadCommitted(ctx context.Context) {
	logger := log.FromContext(ctx)
	set, version, err := r.store.Read(ctx)
	if errors.Is(err, record.ErrMalformed) {
		logger.Info("discovery record is malformed, it will be replaced on first commit", "error", err.Error())
		return
	}
	if err != nil {
		logger.Error(err, "unable to read discovery record, it will be rewritten on first commit")
		return
	}
	if version == record.NoVersion {
		return
	}
	r.committed = set
	r.haveCommitted = true
	metrics.DiscoveredAPIs.Set(float64(len(set)))
	logger.V(1).Info("loaded discovery record", "apis", len(set), "version", version)
}

// session performs one list+watch round. It reports whether the watch was
// established, which resets the reconnect backoff.
func (r *Reconciler) session(ctx context.Context) bool {
	logger := log.FromContext(ctx)
	if r.sessions > 0 {
		metrics.WatchRestartsTotal.Inc()
	}
	r.sessions++

	r.setPhase(ctx, PhaseConnecting)
	items := make([][]corev1.Service, len(r.sources))
	versions := make([]string, len(r.sources))
	for i, src := range r.sources {
		list, version, err := src.List(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error(err, "unable to list services")
				r.setPhase(ctx, PhaseReconnecting)
			}
			return false
		}
		items[i], versions[i] = list, version
	}

	r.setPhase(ctx, PhaseSynchronizing)
	r.resync(ctx, items)
	pending := !r.sync(ctx)

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan watch.Event)
	done := make(chan error, len(r.sources))
	for i, src := range r.sources {
		w, err := src.Watch(watchCtx, versions[i])
		if err != nil {
			if ctx.Err() == nil {
				logger.Error(err, "unable to start watch")
				r.setPhase(ctx, PhaseReconnecting)
			}
			return false
		}
		go forward(watchCtx, w, events, done)
	}

	r.setPhase(ctx, PhaseStreaming)
	err := r.stream(ctx, events, done, pending)
	if ctx.Err() != nil {
		return true
	}
	logger.Info("watch interrupted, resynchronizing", "reason", err.Error())
	r.setPhase(ctx, PhaseReconnecting)
	return true
}

// forward copies events of one watch into out until the watch ends.
func forward(ctx context.Context, w watch.Interface, out chan<- watch.Event, done chan<- error) {
	defer w.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.ResultChan():
			if !ok {
				done <- errWatchClosed
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// stream applies events in arrival order and commits once per debounce window.
func (r *Reconciler) stream(ctx context.Context, events <-chan watch.Event, done <-chan error, pending bool) error {
	logger := log.FromContext(ctx)

	var timer clock.Timer
	var fire <-chan time.Time
	arm := func() {
		timer = r.opts.Clock.NewTimer(r.opts.Debounce)
		fire = timer.C()
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	if pending {
		arm()
	}

	var rescan <-chan time.Time
	if r.opts.ResyncInterval > 0 {
		rescanTimer := r.opts.Clock.NewTimer(r.opts.ResyncInterval)
		defer rescanTimer.Stop()
		rescan = rescanTimer.C()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-rescan:
			return errResyncDue

		case err := <-done:
			return err

		case ev := <-events:
			if ev.Type == watch.Error {
				if status, ok := ev.Object.(*metav1.Status); ok {
					return apierrors.FromObject(status)
				}
				return fmt.Errorf("watch error event: %v", ev.Object)
			}
			if r.apply(ctx, ev) && fire == nil {
				logger.V(2).Info("change observed, commit scheduled", "in", r.opts.Debounce)
				arm()
			}

		case <-fire:
			fire = nil
			if !r.sync(ctx) {
				arm()
			}
		}
	}
}

// resync replaces the observed state with the listed Services. Services
// listed unchanged keep their place in the observation order. The others are
// ordered by winsOver so that a collision is decided the same way by every
// resync and every restart.
func (r *Reconciler) resync(ctx context.Context, lists [][]corev1.Service) {
	previous := r.observed
	r.observed = map[types.NamespacedName]observation{}

	var fresh []listed
	for _, list := range lists {
		for i := range list {
			svc := &list[i]
			d, ok := r.opts.Extractor.Extract(svc)
			if !ok {
				continue
			}
			if prev, seen := previous[d.Source]; seen && prev.descriptor == d {
				r.observed[d.Source] = prev
				continue
			}
			fresh = append(fresh, listed{descriptor: d, created: svc.CreationTimestamp.Time})
		}
	}
	sort.SliceStable(fresh, func(i, j int) bool {
		return r.winsOver(fresh[j], fresh[i])
	})
	for _, l := range fresh {
		r.observe(ctx, l.descriptor)
	}
	log.FromContext(ctx).V(1).Info("resynchronized services", "documented", len(r.observed), "changed", len(fresh))
}

// listed is a documented Service found by a list call.
type listed struct {
	descriptor apidoc.Descriptor
	created    time.Time
}

// winsOver orders listed Services by precedence in a name collision: the one
// already published in the committed record, then the newer Service, then
// the greater namespace/name.
func (r *Reconciler) winsOver(a, b listed) bool {
	aCommitted, bCommitted := r.isCommitted(a.descriptor), r.isCommitted(b.descriptor)
	if aCommitted != bCommitted {
		return aCommitted
	}
	if !a.created.Equal(b.created) {
		return a.created.After(b.created)
	}
	return a.descriptor.Source.String() > b.descriptor.Source.String()
}

func (r *Reconciler) isCommitted(d apidoc.Descriptor) bool {
	c, ok := r.committed[d.Name]
	return ok && c.Persisted() == d.Persisted()
}

// apply folds one watch event into the observed state and reports whether
// the state changed.
func (r *Reconciler) apply(ctx context.Context, ev watch.Event) bool {
	svc, ok := ev.Object.(*corev1.Service)
	if !ok {
		return false
	}
	metrics.WatchEventsTotal.WithLabelValues(string(ev.Type)).Inc()
	key := types.NamespacedName{Namespace: svc.Namespace, Name: svc.Name}

	switch ev.Type {
	case watch.Added, watch.Modified:
		if d, documented := r.opts.Extractor.Extract(svc); documented {
			return r.observe(ctx, d)
		}
		return r.forget(ctx, key)
	case watch.Deleted:
		return r.forget(ctx, key)
	default:
		return false
	}
}

func (r *Reconciler) observe(ctx context.Context, d apidoc.Descriptor) bool {
	if prev, exists := r.observed[d.Source]; exists && prev.descriptor == d {
		return false
	}
	for source, o := range r.observed {
		if source != d.Source && o.descriptor.Name == d.Name {
			metrics.NameCollisionsTotal.Inc()
			log.FromContext(ctx).Info("API name collision, the later observed service wins",
				"name", d.Name, "winner", d.Source.String(), "shadowed", source.String())
		}
	}
	r.seq++
	r.observed[d.Source] = observation{descriptor: d, seq: r.seq}
	return true
}

func (r *Reconciler) forget(ctx context.Context, key types.NamespacedName) bool {
	if _, exists := r.observed[key]; !exists {
		return false
	}
	delete(r.observed, key)
	log.FromContext(ctx).V(2).Info("service no longer documented", "service", key.String())
	return true
}

// desired derives the canonical set. Among Services sharing a name the most
// recently observed one wins.
func (r *Reconciler) desired() apidoc.Set {
	set := make(apidoc.Set, len(r.observed))
	winners := make(map[string]uint64, len(r.observed))
	for _, o := range r.observed {
		name := o.descriptor.Name
		if seq, taken := winners[name]; taken && seq > o.seq {
			continue
		}
		winners[name] = o.seq
		set[name] = o.descriptor
	}
	return set
}

// sync commits the desired set when it differs from the last commit and
// reports whether the record is up to date.
func (r *Reconciler) sync(ctx context.Context) bool {
	desired := r.desired()
	if r.haveCommitted && desired.Equals(r.committed) {
		return true
	}

	logger := log.FromContext(ctx)
	ctx, span := r.opts.Tracer.Start(ctx, "Reconciler.commit",
		trace.WithAttributes(tracing.AttrAPICount.Int(len(desired))))
	defer span.End()

	start := r.opts.Clock.Now()
	result, err := record.Commit(ctx, r.store, desired, r.opts.CommitBackoff)
	metrics.RecordCommitDuration.Observe(r.opts.Clock.Since(start).Seconds())
	span.SetAttributes(tracing.AttrAttempts.Int(result.Attempts))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			return false
		}
		if errors.Is(err, record.ErrConflict) {
			metrics.RecordCommitsTotal.WithLabelValues(metrics.ResultConflict).Inc()
			logger.Error(err, "giving up on discovery record commit after repeated conflicts, retrying later",
				"attempts", result.Attempts)
		} else {
			metrics.RecordCommitsTotal.WithLabelValues(metrics.ResultError).Inc()
			logger.Error(err, "unable to commit discovery record", "attempts", result.Attempts)
		}
		return false
	}

	r.committed = desired
	r.haveCommitted = true
	metrics.DiscoveredAPIs.Set(float64(len(desired)))
	if result.Written {
		metrics.RecordCommitsTotal.WithLabelValues(metrics.ResultSuccess).Inc()
		span.SetAttributes(tracing.AttrResult.String(metrics.ResultSuccess))
		logger.Info("discovery record committed", "apis", len(desired), "version", result.Version, "attempts", result.Attempts)
	} else {
		metrics.RecordCommitsTotal.WithLabelValues(metrics.ResultUnchanged).Inc()
		span.SetAttributes(tracing.AttrResult.String(metrics.ResultUnchanged))
		logger.V(1).Info("discovery record already up to date", "apis", len(desired), "version", result.Version)
	}
	return true
}

func (r *Reconciler) setPhase(ctx context.Context, phase Phase) {
	r.mutex.Lock()
	previous := r.phase
	r.phase = phase
	r.mutex.Unlock()

	if previous != phase {
		metrics.SetPhase(string(phase), allPhases)
		log.FromContext(ctx).V(1).Info("phase changed", "from", previous, "to", phase)
	}
}
