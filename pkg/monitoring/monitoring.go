package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	logx "github.com/chative-companion/server/pkg/logger"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "chative"

type Config struct {
	Enabled bool   `envconfig:"METRICS_ENABLED" default:"false"`
	Addr    string `envconfig:"METRICS_ADDR" default:":9090"`
	Path    string `envconfig:"METRICS_PATH" default:"/metrics"`
}

// Service owns the meter provider and the Prometheus registry behind it.
type Service struct {
	meter    metric.Meter
	provider *sdkmetric.MeterProvider
	registry *prom.Registry
	server   *http.Server
	cfg      Config
}

// NewService builds a Prometheus-backed meter, or a no-op meter when disabled.
func NewService(cfg Config) (*Service, error) {
	if !cfg.Enabled {
		logx.Debug().Msg("monitoring disabled, using no-op meter")
		return &Service{meter: noop.NewMeterProvider().Meter(meterName), cfg: cfg}, nil
	}
	registry := prom.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	return &Service{
		meter:    provider.Meter(meterName),
		provider: provider,
		registry: registry,
		cfg:      cfg,
	}, nil
}

func (s *Service) Meter() metric.Meter {
	return s.meter
}

// Handler serves the registry in the Prometheus text format.
func (s *Service) Handler() http.Handler {
	if s.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Start serves the metrics endpoint in the background. It is a no-op when disabled.
func (s *Service) Start() error {
	if s.registry == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, s.Handler())
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen metrics: %w", err)
	}
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	logx.Info().Str("addr", ln.Addr().String()).Msg("metrics endpoint listening")
	return nil
}

func (s *Service) Shutdown(ctx context.Context) error {
	var errs []error
	if s.server != nil {
		errs = append(errs, s.server.Shutdown(ctx))
	}
	if s.provider != nil {
		errs = append(errs, s.provider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
