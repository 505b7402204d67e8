package syncer

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"xerolink/internal/catalog"
	"xerolink/internal/platform/metrics"
	"xerolink/internal/xero"
	dErrors "xerolink/pkg/domain-errors"
	"xerolink/pkg/platform/circuit"
)

// Fetcher loads one live resource for a tenant.
type Fetcher interface {
	FetchResource(ctx context.Context, accessToken, tenantID string, rt catalog.ResourceType) (json.RawMessage, error)
}

// DemoFetcher serves the demo fallback datasets.
type DemoFetcher interface {
	Fetch(ctx context.Context, rt catalog.ResourceType) (json.RawMessage, error)
}

const defaultRequestDelay = 350 * time.Millisecond

// Orchestrator loads every catalog resource type for a tenant, sequentially
// and rate-limited, with demo fallback on authorization failure. Individual
// resource failures stay per-key; only total loss of connectivity to the
// provider is escalated to the caller.
type Orchestrator struct {
	fetcher Fetcher
	demo    DemoFetcher
	delay   time.Duration
	sleep   func(ctx context.Context, d time.Duration)
	breaker *circuit.Breaker
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	group   singleflight.Group
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithRequestDelay sets the fixed inter-request delay. The delay is a
// deliberate backpressure mechanism against provider rate limits, not a
// performance accident.
func WithRequestDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.delay = d
		}
	}
}

// WithSleeper injects the delay function, used by tests.
func WithSleeper(sleep func(ctx context.Context, d time.Duration)) Option {
	return func(o *Orchestrator) {
		if sleep != nil {
			o.sleep = sleep
		}
	}
}

// WithFailureThreshold sets how many consecutive connectivity failures trip
// the run into a machine-level error.
func WithFailureThreshold(n int) Option {
	return func(o *Orchestrator) {
		o.breaker = circuit.New("xero", circuit.WithFailureThreshold(n))
	}
}

// New creates an Orchestrator.
func New(fetcher Fetcher, demo DemoFetcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		fetcher: fetcher,
		demo:    demo,
		delay:   defaultRequestDelay,
		breaker: circuit.New("xero"),
		tracer:  otel.Tracer("xerolink/syncer"),
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// LoadAll populates the cache for the given tenant. An unset tenant falls
// back to the demo tenant so the console can still demonstrate data
// loading. Concurrent calls for the same session collapse into one run.
//
// The returned error is non-nil only when provider connectivity is lost
// entirely; per-resource failures are recorded in the cache and do not fail
// the run.
func (o *Orchestrator) LoadAll(ctx context.Context, sessionID, accessToken, tenantID string, cache *Cache) error {
	if tenantID == "" {
		tenantID = catalog.DemoTenantID
	}
	cache.SetTenant(tenantID)

	if cache.FullyLoaded() {
		o.logger.InfoContext(ctx, "resource cache already populated, skipping sync",
			"tenant_id", tenantID,
		)
		o.countRun("skipped")
		return nil
	}

	_, err, _ := o.group.Do(sessionID, func() (any, error) {
		return nil, o.run(ctx, accessToken, tenantID, cache)
	})
	return err
}

func (o *Orchestrator) run(ctx context.Context, accessToken, tenantID string, cache *Cache) error {
	ctx, span := o.tracer.Start(ctx, "syncer.run", trace.WithAttributes(
		attribute.String("tenant_id", tenantID),
	))
	defer span.End()

	start := time.Now()
	demoTenant := tenantID == catalog.DemoTenantID
	loaded, failed := 0, 0

	for i, rt := range catalog.All() {
		if i > 0 {
			o.sleep(ctx, o.delay)
		}
		if ctx.Err() != nil {
			return dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "sync cancelled")
		}

		entry := o.loadOne(ctx, accessToken, tenantID, rt, demoTenant)
		if !cache.Put(entry) {
			// Tenant switched underneath this run. Stop quietly; the new
			// tenant's own run owns the cache now.
			o.logger.InfoContext(ctx, "discarding stale sync results after tenant switch",
				"tenant_id", tenantID,
				"resource", string(rt),
			)
			span.SetStatus(codes.Ok, "superseded")
			return nil
		}
		if entry.Loaded() {
			loaded++
		} else {
			failed++
		}

		if o.breaker.IsOpen() {
			o.countRun("error")
			err := dErrors.New(dErrors.CodeUpstreamUnavailable, "provider unreachable")
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}

	summary, _ := json.Marshal(map[string]any{
		"loaded":      loaded,
		"failed":      failed,
		"completedAt": time.Now().UTC().Format(time.RFC3339),
	})
	cache.Put(Entry{
		Resource: catalog.AllBasicData,
		TenantID: tenantID,
		Payload:  summary,
		Source:   sourceFor(demoTenant),
		LoadedAt: time.Now(),
	})

	result := "ok"
	if failed > 0 {
		result = "partial"
	}
	o.countRun(result)
	if o.metrics != nil {
		o.metrics.SyncDuration.Observe(time.Since(start).Seconds())
	}
	o.logger.InfoContext(ctx, "resources loaded",
		"tenant_id", tenantID,
		"loaded", loaded,
		"failed", failed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// loadOne fetches a single resource with the fallback policy: a 401-class
// failure gets exactly one demo fetch; anything else is recorded per-key.
func (o *Orchestrator) loadOne(ctx context.Context, accessToken, tenantID string, rt catalog.ResourceType, demoTenant bool) Entry {
	now := time.Now()

	if demoTenant {
		payload, err := o.demo.Fetch(ctx, rt)
		if err != nil {
			o.countLoad(rt, "error")
			return Entry{Resource: rt, TenantID: tenantID, Err: err.Error(), LoadedAt: now}
		}
		o.countLoad(rt, "demo")
		return Entry{Resource: rt, TenantID: tenantID, Payload: payload, Source: SourceDemo, LoadedAt: now}
	}

	payload, err := o.fetcher.FetchResource(ctx, accessToken, tenantID, rt)
	if err == nil {
		o.breaker.RecordSuccess()
		o.countLoad(rt, "ok")
		return Entry{Resource: rt, TenantID: tenantID, Payload: payload, Source: SourceLive, LoadedAt: now}
	}

	if xero.IsConnectivityFailure(err) {
		o.breaker.RecordFailure()
	}

	if xero.IsAuthFailure(err) {
		if o.metrics != nil {
			o.metrics.DemoFallbacks.Inc()
		}
		o.logger.WarnContext(ctx, "authorization failure, falling back to demo data",
			"resource", string(rt),
			"tenant_id", tenantID,
		)
		if payload, demoErr := o.demo.Fetch(ctx, rt); demoErr == nil {
			o.countLoad(rt, "demo")
			return Entry{Resource: rt, TenantID: tenantID, Payload: payload, Source: SourceDemo, LoadedAt: now}
		}
		o.countLoad(rt, "error")
		return Entry{Resource: rt, TenantID: tenantID, Err: FailedToLoadMessage, LoadedAt: now}
	}

	o.logger.WarnContext(ctx, "resource load failed",
		"resource", string(rt),
		"tenant_id", tenantID,
		"error", err,
	)
	o.countLoad(rt, "error")
	return Entry{Resource: rt, TenantID: tenantID, Err: err.Error(), LoadedAt: now}
}

func sourceFor(demo bool) Source {
	if demo {
		return SourceDemo
	}
	return SourceLive
}

func (o *Orchestrator) countLoad(rt catalog.ResourceType, outcome string) {
	if o.metrics != nil {
		o.metrics.ResourceLoads.WithLabelValues(string(rt), outcome).Inc()
	}
}

func (o *Orchestrator) countRun(result string) {
	if o.metrics != nil {
		o.metrics.SyncRuns.WithLabelValues(result).Inc()
	}
}
