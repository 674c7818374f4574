package observability

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	promreg "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/zhijun2003/QingyunAI/internal/config"
)

type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *metric.MeterProvider
	promExporter   *prometheus.Exporter
	promHandler    http.Handler
	shutdownFuncs  []func(context.Context) error

	httpRequestCounter *promreg.CounterVec
	httpRequestLatency *promreg.HistogramVec
	chatLatencyHist    *promreg.HistogramVec
	chatTokensCounter  *promreg.CounterVec
	keySelections      *promreg.CounterVec
	keysDisabled       *promreg.CounterVec
	modelSyncs         *promreg.CounterVec
}

func Setup(ctx context.Context, cfg config.ObservabilityConfig) (*Provider, error) {
	if !cfg.EnableOTLP && !cfg.EnableMetrics {
		return nil, nil
	}

	provider := &Provider{}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("qingyun-gateway"),
		),
	)
	if err != nil {
		return nil, err
	}

	if cfg.EnableOTLP {
		rawEndpoint := strings.TrimSpace(cfg.OTLPEndpoint)
		endpoint := rawEndpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		opts := []otlptracegrpc.Option{}
		switch {
		case strings.HasPrefix(endpoint, "http://"):
			endpoint = strings.TrimPrefix(endpoint, "http://")
			opts = append(opts, otlptracegrpc.WithInsecure())
		case strings.HasPrefix(endpoint, "https://"):
			endpoint = strings.TrimPrefix(endpoint, "https://")
		default:
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		opts = append(opts, otlptracegrpc.WithEndpoint(endpoint))

		client := otlptracegrpc.NewClient(opts...)
		exporter, err := otlptrace.New(ctx, client)
		if err != nil {
			return nil, err
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		provider.tracerProvider = tp
		provider.shutdownFuncs = append(provider.shutdownFuncs, tp.Shutdown)
	}

	if cfg.EnableMetrics {
		registry := promreg.NewRegistry()
		promExporter, err := prometheus.New(prometheus.WithRegisterer(registry))
		if err != nil {
			return nil, err
		}
		mp := metric.NewMeterProvider(
			metric.WithReader(promExporter),
			metric.WithResource(res),
		)
		otel.SetMeterProvider(mp)
		provider.meterProvider = mp
		provider.promExporter = promExporter
		provider.promHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
		provider.shutdownFuncs = append(provider.shutdownFuncs, mp.Shutdown)

		httpRequests := promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "qingyun_gateway",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed.",
			},
			[]string{"method", "route", "status"},
		)
		latencyBuckets := []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10}
		httpLatency := promreg.NewHistogramVec(
			promreg.HistogramOpts{
				Namespace: "qingyun_gateway",
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds.",
				Buckets:   latencyBuckets,
			},
			[]string{"method", "route", "status"},
		)
		chatLatency := promreg.NewHistogramVec(
			promreg.HistogramOpts{
				Namespace: "qingyun_gateway",
				Name:      "chat_request_duration_seconds",
				Help:      "Duration of chat requests from model resolution to settlement.",
				Buckets:   latencyBuckets,
			},
			[]string{"provider_type", "model", "mode", "outcome"},
		)
		tokenCounter := promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "qingyun_gateway",
				Name:      "chat_tokens_total",
				Help:      "Total settled prompt/completion tokens.",
			},
			[]string{"provider_type", "model", "type"},
		)
		keySelections := promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "qingyun_gateway",
				Name:      "key_pool_selections_total",
				Help:      "Credential selection attempts by outcome.",
			},
			[]string{"provider_id", "outcome"},
		)
		keysDisabled := promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "qingyun_gateway",
				Name:      "key_pool_disabled_total",
				Help:      "Credentials disabled after repeated errors.",
			},
			[]string{"provider_id"},
		)
		modelSyncs := promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "qingyun_gateway",
				Name:      "model_sync_total",
				Help:      "Provider model sync runs by outcome.",
			},
			[]string{"provider_id", "outcome"},
		)
		for _, c := range []promreg.Collector{httpRequests, httpLatency, chatLatency, tokenCounter, keySelections, keysDisabled, modelSyncs} {
			if err := registry.Register(c); err != nil {
				return nil, err
			}
		}
		provider.httpRequestCounter = httpRequests
		provider.httpRequestLatency = httpLatency
		provider.chatLatencyHist = chatLatency
		provider.chatTokensCounter = tokenCounter
		provider.keySelections = keySelections
		provider.keysDisabled = keysDisabled
		provider.modelSyncs = modelSyncs
	}

	return provider, nil
}

func (p *Provider) PrometheusHandler() http.Handler {
	if p == nil || p.promHandler == nil {
		return nil
	}
	return p.promHandler
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	for _, fn := range p.shutdownFuncs {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) TracerProvider() *sdktrace.TracerProvider {
	if p == nil {
		return nil
	}
	return p.tracerProvider
}

func (p *Provider) RecordHTTPRequest(_ context.Context, method, route string, status int, duration time.Duration) {
	if p == nil {
		return
	}

	statusLabel := strconv.Itoa(status)

	if p.httpRequestCounter != nil {
		p.httpRequestCounter.WithLabelValues(method, route, statusLabel).Inc()
	}

	if p.httpRequestLatency != nil {
		p.httpRequestLatency.WithLabelValues(method, route, statusLabel).Observe(duration.Seconds())
	}
}

func (p *Provider) RecordChat(_ context.Context, providerType, model string, stream bool, outcome string, duration time.Duration) {
	if p == nil || p.chatLatencyHist == nil {
		return
	}
	mode := "sync"
	if stream {
		mode = "stream"
	}
	p.chatLatencyHist.WithLabelValues(providerType, model, mode, outcome).Observe(duration.Seconds())
}

func (p *Provider) RecordTokens(_ context.Context, providerType, model string, promptTokens, completionTokens int64) {
	if p == nil || p.chatTokensCounter == nil {
		return
	}
	if promptTokens > 0 {
		p.chatTokensCounter.WithLabelValues(providerType, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		p.chatTokensCounter.WithLabelValues(providerType, model, "completion").Add(float64(completionTokens))
	}
}

func (p *Provider) RecordKeySelection(_ context.Context, providerID, outcome string) {
	if p == nil || p.keySelections == nil {
		return
	}
	p.keySelections.WithLabelValues(providerID, outcome).Inc()
}

func (p *Provider) RecordKeyDisabled(_ context.Context, providerID string) {
	if p == nil || p.keysDisabled == nil {
		return
	}
	p.keysDisabled.WithLabelValues(providerID).Inc()
}

func (p *Provider) RecordModelSync(_ context.Context, providerID, outcome string) {
	if p == nil || p.modelSyncs == nil {
		return
	}
	p.modelSyncs.WithLabelValues(providerID, outcome).Inc()
}
