// Flashpoint aggregates classified emergency text fragments into
// deduplicated, versioned incident records.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/flashpoint/internal/authmw"
	fc "github.com/linnemanlabs/flashpoint/internal/cfg"
	"github.com/linnemanlabs/flashpoint/internal/deadletter"
	"github.com/linnemanlabs/flashpoint/internal/engine"
	"github.com/linnemanlabs/flashpoint/internal/engine/memstore"
	"github.com/linnemanlabs/flashpoint/internal/engine/pgstore"
	"github.com/linnemanlabs/flashpoint/internal/fragment"
	"github.com/linnemanlabs/flashpoint/internal/incidentapi"
	"github.com/linnemanlabs/flashpoint/internal/notify/slack"
	"github.com/linnemanlabs/flashpoint/internal/postgres"
	"github.com/linnemanlabs/flashpoint/internal/simindex"
	"github.com/linnemanlabs/flashpoint/internal/summarize"
)

const appName = "flashpoint"
const component = "server"

// multiListener fans one incident update out to every listener.
type multiListener []engine.UpdateListener

func (ml multiListener) OnIncidentUpdate(ctx context.Context, in *engine.Incident, outcome string) {
	for _, l := range ml {
		l.OnIncidentUpdate(ctx, in, outcome)
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    fc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	// register flags for each package, which will be parsed into the shared config struct
	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// parse flags to get config values from cmdline, we check env vars next which do not override cmdline flags
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// Fill in config values from environment variables with prefix FLASHPOINT_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "FLASHPOINT_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	// initialize logger early
	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer func() { _ = lg.Sync() }()

	// create a logger with component field pre-filled for structured logging in this package
	L := lg.With("component", vi.Component)

	// add logger to context
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"trace_sample", traceCfg.TraceSample,
		"merge_threshold", appCfg.MergeThreshold,
		"match_radius_km", appCfg.MatchRadiusKM,
		"match_time_gap", appCfg.MatchTimeGap,
		"stale_after", appCfg.StaleAfter,
		"archive_after", appCfg.ArchiveAfter,
		"reopen_window", appCfg.ReopenWindow,
		"embedding_dim", appCfg.EmbeddingDim,
		"workers", appCfg.Workers,
		"queue_capacity", appCfg.QueueCapacity,
		"sweep_schedule", appCfg.SweepSchedule,
	)

	// Setup pyroscope profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	// Start profiling, returns a stop function to call for clean shutdown (flush buffers, etc)
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	// Setup otel for tracing
	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	// Start otel, returns a shutdown function to call for clean shutdown (flush buffers, etc)
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	// Setup metrics, we use our own metrics package for internal instrumentation
	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	// Initialize the incident store
	var store engine.Store
	if appCfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		pgStore, err := pgstore.New(ctx, pool)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
		store = pgStore
		L.Info(ctx, "using postgres store")
	} else {
		store = memstore.New()
		L.Info(ctx, "using in-memory store (no database-url configured)")
	}

	// Register per-query DB duration histogram and wire the observer.
	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flashpoint_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, operation, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(operation, outcome).Observe(dur.Seconds())
		},
	))

	// Initialize the dead-letter sink for fragments that exhaust retries
	var sink deadletter.Sink
	if appCfg.RedisURL != "" {
		redisSink, err := deadletter.NewRedis(ctx, appCfg.RedisURL, appCfg.DeadLetterKey)
		if err != nil {
			return fmt.Errorf("redis dead-letter sink: %w", err)
		}
		defer func() { _ = redisSink.Close() }()
		sink = redisSink
		L.Info(ctx, "using redis dead-letter sink", "key", appCfg.DeadLetterKey)
	} else {
		sink = deadletter.NewMemory()
		L.Info(ctx, "using in-memory dead-letter sink (no redis-url configured)")
	}

	// Engine metrics on the shared Prometheus registry.
	engineMetrics := engine.NewMetrics(m.Registry())

	// Per-event-type merge threshold overrides.
	overrides, err := appCfg.ParseTypeThresholds()
	if err != nil {
		return fmt.Errorf("type thresholds: %w", err)
	}
	perType := make(map[fragment.EventType]float64, len(overrides))
	for name, threshold := range overrides {
		et := fragment.EventType(name)
		if !et.Valid() {
			return fmt.Errorf("type thresholds: unknown event type %q", name)
		}
		perType[et] = threshold
	}

	buckets := engine.Bucketer{
		CellDegrees: appCfg.CellDegrees,
		Slot:        appCfg.BucketSlot,
	}
	svcCfg := engine.ServiceConfig{
		Thresholds: engine.Thresholds{Base: appCfg.MergeThreshold, PerType: perType},
		Matcher: engine.MatcherConfig{
			RadiusKM:     appCfg.MatchRadiusKM,
			TimeGap:      appCfg.MatchTimeGap,
			ReopenWindow: appCfg.ReopenWindow,
			TopK:         appCfg.MatchTopK,
		},
		Buckets:      buckets,
		LockTimeout:  appCfg.LockTimeout,
		EmbeddingDim: appCfg.EmbeddingDim,
		CASMaxTries:  uint(appCfg.CASMaxTries),
	}

	index := simindex.NewMemory()
	svc := engine.NewService(store, index, svcCfg, L, engineMetrics.Hooks(), nil)

	// Update listeners. The summarizer writes narratives back through
	// the same service, so it is wired in after construction.
	var listeners multiListener
	if appCfg.ClaudeAPIKey != "" {
		client := anthropic.NewClient(option.WithAPIKey(appCfg.ClaudeAPIKey))
		summarizer := summarize.New(&client.Messages, svc, summarize.Config{
			Model:     appCfg.ClaudeModel,
			MaxTokens: int64(appCfg.ClaudeMaxTokens),
		}, L)
		listeners = append(listeners, summarizer)
		L.Info(ctx, "summarizer enabled", "model", appCfg.ClaudeModel)
	} else {
		L.Info(ctx, "summarizer disabled (no claude-api-key configured)")
	}
	if appCfg.SlackWebhookURL != "" {
		listeners = append(listeners, slack.New(appCfg.SlackWebhookURL, L))
		L.Info(ctx, "slack notifications enabled")
	}
	if len(listeners) > 0 {
		svc.SetListener(listeners)
	}

	// Worker pool drives fragments through the service.
	pool := engine.NewPool(svc, sink, engine.PoolConfig{
		Workers:        appCfg.Workers,
		QueueCapacity:  appCfg.QueueCapacity,
		MaxAttempts:    appCfg.MaxAttempts,
		RetryBaseDelay: appCfg.RetryBaseDelay,
	}, L, engineMetrics.Hooks())
	// The pool outlives the signal context: on shutdown it drains the
	// queue via Stop rather than abandoning queued fragments.
	pool.Start(log.WithContext(context.Background(), L))

	// Lifecycle sweeper demotes idle incidents on the cron schedule.
	sweeper := engine.NewSweeper(store, index, buckets, engine.SweeperConfig{
		StaleAfter:   appCfg.StaleAfter,
		ArchiveAfter: appCfg.ArchiveAfter,
	}, L, engineMetrics.Hooks())
	stopSweeper, err := sweeper.Start(ctx, appCfg.SweepSchedule)
	if err != nil {
		return fmt.Errorf("sweeper start: %w", err)
	}

	// setup toggle for server shutdown. this is used to fail readiness checks
	// during shutdown to drain connections from load balancer before killing the process.
	var shutdownGate health.ShutdownGate

	// setup readiness checks, currently just the shutdown gate
	readiness := health.All(
		shutdownGate.Probe(),
	)
	// liveness is always true if the app is able to respond
	liveness := health.Fixed(true, "")

	// Configure ops http server for metrics, health checks, pprof, etc
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	// start admin/ops listener. sg restricts inbound to internal monitoring infrastructure.
	// we reject connections from public ips and requests with x-forwarded set in middleware
	// to prevent accidental exposure if sg is misconfigured or load balancer ever sends traffic here
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	// setup main api chi router and middleware stack
	r := chi.NewRouter()

	// Compress text responses (we are JSON only for now)
	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// Access log middleware
	r.Use(httpmw.AccessLog())

	// Fragment batches carry embeddings, so the body cap is generous
	r.Use(httpmw.MaxBody(1024 * 1024 * 4))

	// add health check endpoints to main listener
	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	// register api routes, bearer token auth applies only to this group
	// so health endpoints stay open for load balancer checks
	apiHTTP := incidentapi.New(L, svc, pool, appCfg.EmbeddingDim)
	r.Group(func(gr chi.Router) {
		gr.Use(authmw.RequireBearer(appCfg.APIToken))
		apiHTTP.RegisterRoutes(gr)
	})

	// middleware stack for main listener, order matters these are wrappers, outermost sees raw request
	// first and is last to see response, innermost is last to see request and first to see response but
	// has access to the full rich context from outer middleware and handlers
	var h http.Handler = r

	// Request-scoped logging (inner so it sees trace_id, chi route, etc)
	h = httpmw.WithLogger(L)(h)

	// add trace-id and span-id headers to any requests with a recording trace
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	// otel instrumentation for automatic spans and trace context propagation
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// dont trace health/readiness checks
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute will rename the span later to the final route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		// WithPublicEndpointFn is the replacement for WithPublicEndpoint()
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	// Metrics middleware for prometheus instrumentation
	h = m.Middleware(h)

	// Client IP resolution and spoofing protection middleware, outer so downstream middleware
	// and handlers can use the resolved client ip from context for consistency and security
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	// Request ID (outer so everything downstream sees it)
	h = httpmw.RequestID("X-Request-Id")(h) // request ID

	// Recovery middleware to recover and log panics and serve 500 response.
	// Outer to catch panics from any downstream middleware or handlers
	h = httpmw.Recover(L, nil)(h)

	// Security headers outermost to ensure they are served on every response
	h = httpmw.SecurityHeaders(h)

	// Configure http server options from config
	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	// Start API HTTP server with middleware and handlers
	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		err := apiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	// Notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Wait for ctrl+c / sigterm
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	// fail health checks to drain connections
	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// Wait for in-flight requests to finish and for load balancer
	// to detect unhealthy and stop sending new requests.
	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Stop intake first so every queued fragment processes or
	// dead-letters before stores and servers go away.
	stopSweeper()
	pool.Stop()
	L.Info(context.Background(), "worker pool drained")

	// Shutdown components with per-component budget sliced from total.
	// stopProf is synchronous and needs no context, so it's excluded.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"api http server", apiHTTPStop},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtelx},
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	return nil
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
