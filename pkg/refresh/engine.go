// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

// Package refresh periodically pulls the specification of every discovered
// API into the spec cache.
package refresh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/telekom/openapi-discovery-operator/internal/system"
	"github.com/telekom/openapi-discovery-operator/pkg/apidoc"
	"github.com/telekom/openapi-discovery-operator/pkg/metrics"
	"github.com/telekom/openapi-discovery-operator/pkg/record"
	"github.com/telekom/openapi-discovery-operator/pkg/speccache"
	"github.com/telekom/openapi-discovery-operator/pkg/tracing"
)

const (
	DefaultInterval     = 30 * time.Second
	DefaultFetchTimeout = 10 * time.Second
	DefaultConcurrency  = 4

	// MaxSpecSize bounds the accepted size of a specification document.
	MaxSpecSize = 16 << 20

	acceptHeader = "application/json, application/yaml;q=0.9, */*;q=0.5"
)

// Options tune the Engine. Zero values select the defaults.
type Options struct {
	// Interval is the time between the start of two cycles.
	Interval time.Duration
	// FetchTimeout bounds every single fetch.
	FetchTimeout time.Duration
	// Concurrency is the number of fetches in flight.
	Concurrency int
	// QPS paces the start of fetches, zero or negative leaves them unpaced.
	QPS float64
	// HTTPClient performs the fetches.
	HTTPClient *http.Client
	// Clock stamps cache entries and drives the interval.
	Clock clock.WithTicker
	// Tracer records cycle and fetch spans.
	Tracer trace.Tracer
}

// CycleResult summarizes one refresh cycle.
type CycleResult struct {
	APIs        int
	Available   int
	Unavailable int
	Removed     int
}

// Engine refreshes the spec cache from the discovery record.
type Engine struct {
	records record.Reader
	cache   speccache.Store
	opts    Options
	limiter *rate.Limiter

	trigger chan struct{}
	ready   atomic.Bool
}

// NewEngine creates an Engine reading descriptors from records and writing to cache.
func NewEngine(records record.Reader, cache speccache.Store, opts Options) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer(tracing.TracerName)
	}

	e := &Engine{
		records: records,
		cache:   cache,
		opts:    opts,
		trigger: make(chan struct{}, 1),
	}
	if opts.QPS > 0 {
		burst := int(opts.QPS)
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(opts.QPS), burst)
	}
	return e
}

// Trigger requests a cycle as soon as the current one is done. Requests made
// while one is already pending are coalesced.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Ready reports whether at least one cycle has completed.
func (e *Engine) Ready() bool {
	return e.ready.Load()
}

// ReadyCheck is a healthz.Checker that passes after the first completed cycle.
func (e *Engine) ReadyCheck(_ *http.Request) error {
	if !e.Ready() {
		return errors.New("no refresh cycle completed yet")
	}
	return nil
}

// Start runs a cycle immediately and then on every interval or trigger
// until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName("Refresh")
	ctx = log.IntoContext(ctx, logger)
	logger.Info("starting refresh engine",
		"interval", e.opts.Interval, "timeout", e.opts.FetchTimeout, "concurrency", e.opts.Concurrency)

	ticker := e.opts.Clock.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	for {
		if _, err := e.RunCycle(ctx); err != nil && ctx.Err() == nil {
			logger.Error(err, "refresh cycle failed, cache left untouched")
		}
		select {
		case <-ctx.Done():
			logger.Info("stopping refresh engine")
			return nil
		case <-ticker.C():
		case <-e.trigger:
			logger.V(1).Info("refresh triggered")
		}
	}
}

// RunCycle refreshes every API of the current record once and removes cache
// entries of APIs that left it. Failed fetches are recorded, never retried
// within the cycle.
func (e *Engine) RunCycle(ctx context.Context) (CycleResult, error) {
	logger := log.FromContext(ctx)
	ctx, span := e.opts.Tracer.Start(ctx, "Engine.cycle")
	defer span.End()

	start := e.opts.Clock.Now()
	defer func() {
		metrics.RefreshCycleDuration.Observe(e.opts.Clock.Since(start).Seconds())
	}()

	var result CycleResult
	set, _, err := e.records.Read(ctx)
	if err != nil {
		metrics.RefreshCyclesTotal.WithLabelValues(metrics.ResultError).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, fmt.Errorf("unable to read discovery record: %w", err)
	}
	result.APIs = len(set)
	span.SetAttributes(tracing.AttrAPICount.Int(len(set)))

	var mutex sync.Mutex
	count := func(status speccache.Status) {
		mutex.Lock()
		defer mutex.Unlock()
		switch status {
		case speccache.StatusAvailable:
			result.Available++
		case speccache.StatusUnavailable:
			result.Unavailable++
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(e.opts.Concurrency)
	for _, d := range set.Sorted() {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			count(e.refresh(ctx, d))
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		metrics.RefreshCyclesTotal.WithLabelValues(metrics.ResultAborted).Inc()
		logger.Info("refresh cycle abandoned")
		return result, err
	}

	result.Removed = e.collect(ctx, set)

	metrics.CachedAPIs.WithLabelValues(string(speccache.StatusAvailable)).Set(float64(result.Available))
	metrics.CachedAPIs.WithLabelValues(string(speccache.StatusUnavailable)).Set(float64(result.Unavailable))
	metrics.RefreshCyclesTotal.WithLabelValues(metrics.ResultSuccess).Inc()
	e.ready.Store(true)

	logger.Info("refreshed API cache", "apis", result.APIs, "available", result.Available,
		"unavailable", result.Unavailable, "removed", result.Removed)
	return result, nil
}

// refresh fetches one specification and stores the outcome. It returns the
// stored status, or an empty status when nothing was stored.
func (e *Engine) refresh(ctx context.Context, d apidoc.Descriptor) speccache.Status {
	logger := log.FromContext(ctx).WithValues("api", d.Name)
	url := d.SpecURL()
	ctx, span := e.opts.Tracer.Start(ctx, "Engine.fetch",
		trace.WithAttributes(tracing.AttrAPI.String(d.Name), tracing.AttrURL.String(url)))
	defer span.End()

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return ""
		}
	}

	start := e.opts.Clock.Now()
	body, err := e.fetch(ctx, url)
	metrics.SpecFetchDuration.Observe(e.opts.Clock.Since(start).Seconds())
	if ctx.Err() != nil {
		return ""
	}

	entry := speccache.Entry{FetchedAt: e.opts.Clock.Now().UTC()}
	result := metrics.ResultSuccess
	switch {
	case err != nil:
		result = metrics.ResultError
		entry.Status = speccache.StatusUnavailable
		entry.LastError = err.Error()
		logger.Info("unable to fetch specification", "url", url, "error", err.Error())
		previous, readable := e.lastBody(ctx, d.Name)
		if !readable {
			// Keep the stored entry, the next successful fetch replaces it.
			metrics.SpecFetchesTotal.WithLabelValues(result).Inc()
			span.SetStatus(codes.Error, entry.LastError)
			return ""
		}
		entry.Body = previous
	default:
		entry.Body = body
		if verr := apidoc.ValidateSpec(body); verr != nil {
			result = metrics.ResultInvalid
			entry.Status = speccache.StatusUnavailable
			entry.LastError = "invalid specification: " + verr.Error()
			logger.Info("fetched document is not a specification", "url", url, "error", verr.Error())
		} else {
			entry.Status = speccache.StatusAvailable
			logger.V(1).Info("fetched specification", "url", url, "bytes", len(body))
		}
	}
	metrics.SpecFetchesTotal.WithLabelValues(result).Inc()
	span.SetAttributes(tracing.AttrStatus.String(string(entry.Status)), tracing.AttrResult.String(result))
	if entry.Status != speccache.StatusAvailable {
		span.SetStatus(codes.Error, entry.LastError)
	}

	if err := e.cache.Put(ctx, d.Name, entry); err != nil {
		if ctx.Err() == nil {
			logger.Error(err, "unable to store specification")
		}
		return ""
	}
	return entry.Status
}

// lastBody returns the cached body of name, if any. It reports false when a
// previous entry exists but cannot be read.
func (e *Engine) lastBody(ctx context.Context, name string) ([]byte, bool) {
	previous, err := e.cache.Get(ctx, name)
	switch {
	case err == nil:
		return previous.Body, true
	case errors.Is(err, speccache.ErrNotFound):
		return nil, true
	default:
		log.FromContext(ctx).Info("previous specification unreadable, keeping it", "api", name, "error", err.Error())
		return nil, false
	}
}

func (e *Engine) fetch(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid specification URL: %w", err)
	}
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("User-Agent", system.UserAgent())

	resp, err := e.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("HTTP error: %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxSpecSize+1))
	if err != nil {
		return nil, fmt.Errorf("unable to read response: %w", err)
	}
	if len(body) > MaxSpecSize {
		return nil, fmt.Errorf("specification exceeds %d bytes", MaxSpecSize)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, apidoc.ErrEmptySpec
	}
	return body, nil
}

// collect removes cache entries whose API is no longer in set.
func (e *Engine) collect(ctx context.Context, set apidoc.Set) int {
	logger := log.FromContext(ctx)
	names, err := e.cache.List(ctx)
	if err != nil {
		logger.Error(err, "unable to list cached specifications")
		return 0
	}
	removed := 0
	for _, name := range names {
		if _, ok := set[name]; ok {
			continue
		}
		if err := e.cache.Remove(ctx, name); err != nil {
			logger.Error(err, "unable to remove specification", "api", name)
			continue
		}
		metrics.CacheEvictionsTotal.Inc()
		logger.V(1).Info("removed specification of undiscovered API", "api", name)
		removed++
	}
	return removed
}
