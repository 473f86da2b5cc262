package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"fleet-dispatch-dashboard/dispatcher/internal/alerts"
	"fleet-dispatch-dashboard/dispatcher/internal/broadcast"
	"fleet-dispatch-dashboard/dispatcher/internal/dispatch"
	"fleet-dispatch-dashboard/dispatcher/internal/handlers"
	"fleet-dispatch-dashboard/dispatcher/internal/middleware"
	"fleet-dispatch-dashboard/dispatcher/internal/notify"
	"fleet-dispatch-dashboard/dispatcher/internal/poller"
	"fleet-dispatch-dashboard/dispatcher/internal/snapshot"
	"fleet-dispatch-dashboard/dispatcher/internal/tracking"
	"fleet-dispatch-dashboard/shared/cachex"
	"fleet-dispatch-dashboard/shared/config"
	"fleet-dispatch-dashboard/shared/httpx"
	"fleet-dispatch-dashboard/shared/logx"
	"fleet-dispatch-dashboard/shared/metricsx"
	"fleet-dispatch-dashboard/shared/mqx"
	"fleet-dispatch-dashboard/shared/observability"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

func main() {
	cfg, readyProblems := config.Load("dispatcher", 3001)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()
	ctx := context.Background()

	// The dispatcher cannot do anything useful without the provider account.
	if fatal := trackingProblems(readyProblems); len(fatal) > 0 {
		for _, p := range fatal {
			logger.Error(ctx, "config_invalid", p.Message,
				slog.String("field", p.Field),
				slog.String("error_code", "FAILED_PRECONDITION"),
			)
		}
		os.Exit(1)
	}

	shutdownTracer, err := observability.InitTracer(ctx, observability.TracerConfig{
		Enabled:     cfg.OtelEnabled,
		ServiceName: cfg.ServiceName,
		Env:         cfg.Env,
		Version:     version,
		Endpoint:    cfg.OtelEndpoint,
		Insecure:    cfg.OtelInsecure,
		SampleRatio: cfg.OtelSampleRatio,
	})
	if err != nil {
		logger.Error(ctx, "otel_init_failed", "otel init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
	}

	client, err := tracking.NewFromConfig(cfg)
	if err != nil {
		logger.Error(ctx, "config_invalid", "tracking client init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	store := snapshot.New()
	engine := alerts.NewEngine(alerts.Thresholds{
		SpeedLimitKmh: cfg.SpeedLimitKmh,
		IdleThreshold: config.Interval(cfg.IdleAlertSec),
	})
	hub := broadcast.NewHub(cfg.WSSendBuffer, logger)

	sinks, sinkProblems := buildSinks(ctx, cfg, logger)
	readyProblems = append(readyProblems, sinkProblems...)
	fanout := notify.NewFanout(logger, sinks...)

	sched := poller.New(hub, logger, poller.WithAfterApply(fanout.AfterApply()))
	res := poller.Resources{Source: client, Store: store, Engine: engine}
	for _, job := range res.Jobs(poller.Intervals{
		Devices:     config.Interval(cfg.PollDevicesSec),
		Positions:   config.Interval(cfg.PollPositionsSec),
		Activities:  config.Interval(cfg.PollActivitiesSec),
		Fleet:       config.Interval(cfg.PollFleetSec),
		Tachographs: config.Interval(cfg.PollTachographsSec),
		AlertPrune:  config.Interval(cfg.AlertPruneSec),
		AlertWindow: config.Interval(cfg.AlertWindowSec),
	}) {
		if err := sched.Add(job); err != nil {
			logger.Error(ctx, "poll_job_invalid", "could not register poll job",
				slog.String("resource", job.Name),
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	svc := dispatch.New(client, hub, logger, cfg.TaskLookupTTL())
	api := handlers.New(handlers.Deps{
		Store:     store,
		Hub:       hub,
		Dispatch:  svc,
		Scheduler: sched,
		Log:       logger,
		WS:        handlers.WSOptions{AllowedOrigins: cfg.CORSAllowedOrigins},
	})

	var loaded atomic.Bool

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
				"service not ready: invalid configuration",
				map[string]any{"problems": readyProblems},
			)
			return
		}
		if !loaded.Load() {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "initial load in progress", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())
	api.Register(mux)

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})
	isWebsocket := func(r *http.Request) bool { return r.URL.Path == "/ws" }

	handler := httpx.WrapServeMux(mux, notFound)
	handler = middleware.RateLimitMiddleware{
		Limiter: middleware.NewIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 0),
		Skip:    middleware.MutatingOnly,
	}.Wrap(handler)
	handler = httpx.WithTimeout(cfg.RequestTimeout, isWebsocket, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = middleware.CORSMiddleware{AllowedOrigins: cfg.CORSAllowedOrigins, MaxAge: 10 * time.Minute}.Wrap(handler)
	handler = metricsx.Instrument(handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	handler = otelhttp.NewHandler(handler, "http")

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.Int("request_timeout_ms", cfg.RequestTimeoutMS),
			slog.Int("alert_sinks", fanout.Len()),
		)
		errCh <- server.ListenAndServe()
	}()

	go func() {
		initialLoad(ctx, sched, logger)
		loaded.Store(true)
		sched.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(ctx, "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	pollCtx, cancelPoll := context.WithTimeout(ctx, cfg.ShutdownTimeout())
	defer cancelPoll()
	if err := sched.Shutdown(pollCtx); err != nil {
		logger.Warn(ctx, "poll_shutdown_incomplete", "in-flight refreshes abandoned",
			slog.String("error", err.Error()),
		)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	hub.Close()
	svc.Wait()
	if err := fanout.Close(); err != nil {
		logger.Warn(ctx, "sink_close_failed", "alert sink close failed", slog.String("error", err.Error()))
	}
	_ = shutdownTracer(ctx)
	logger.Info(ctx, "service_stop", "service stopped")
}

// initialLoad fills the snapshot in dependency order before the tickers
// start. A failed resource is left for its first regular tick.
func initialLoad(ctx context.Context, sched *poller.Scheduler, logger logx.Logger) {
	start := time.Now()
	failed := 0
	for _, name := range poller.InitialLoad {
		if err := sched.RunNow(ctx, name); err != nil {
			if errors.Is(err, poller.ErrStopped) {
				return
			}
			failed++
		}
	}
	logger.Info(ctx, "initial_load_done", "initial data loaded",
		slog.Int("failed", failed),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
}

func trackingProblems(problems []config.Problem) []config.Problem {
	var out []config.Problem
	for _, p := range problems {
		if strings.HasPrefix(p.Field, "TRACKING_") {
			out = append(out, p)
		}
	}
	return out
}

// buildSinks connects the optional alert exporters. An unreachable broker
// is reported on /readyz but the sink stays registered.
func buildSinks(ctx context.Context, cfg config.Config, logger logx.Logger) ([]notify.Sink, []config.Problem) {
	var (
		sinks    []notify.Sink
		problems []config.Problem
	)
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := mqx.NewProducer(cfg, cfg.KafkaAlertTopic)
		if err != nil {
			problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: err.Error()})
		} else {
			sinks = append(sinks, notify.NewKafkaSink(producer))
			pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			if err := mqx.Ping(pingCtx, cfg.KafkaBrokers); err != nil {
				problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "kafka unreachable: " + err.Error()})
			}
			cancel()
		}
	}
	if cfg.RedisAddr != "" {
		rdb, err := cachex.New(cfg)
		if err != nil {
			problems = append(problems, config.Problem{Field: "REDIS_ADDR", Message: err.Error()})
		} else {
			sinks = append(sinks, notify.NewRedisSink(rdb, cfg.RedisAlertChannel))
			pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			if err := rdb.Ping(pingCtx); err != nil {
				problems = append(problems, config.Problem{Field: "REDIS_ADDR", Message: "redis unreachable: " + err.Error()})
			}
			cancel()
		}
	}
	for _, p := range problems {
		logger.Warn(ctx, "alert_sink_unavailable", p.Message,
			slog.String("field", p.Field),
			slog.String("error_code", "FAILED_PRECONDITION"),
		)
	}
	return sinks, problems
}
