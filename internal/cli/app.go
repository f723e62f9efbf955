package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"preflight/internal/core/domain"
	"preflight/internal/core/ports"
	"preflight/internal/core/services"
	"preflight/internal/infrastructure/device"
	"preflight/internal/infrastructure/messaging"
	"preflight/internal/infrastructure/monitoring"
	"preflight/internal/infrastructure/repositories"
	webrtcinfra "preflight/internal/infrastructure/webrtc"
	"preflight/pkg/circuitbreaker"
	"preflight/pkg/config"
	"preflight/pkg/logger"
	"preflight/pkg/tracing"
	"preflight/pkg/utils"

	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// loadConfig reads the file named by --config, or the first default path
// that exists.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")

	var (
		cfg  *config.Config
		used string
		err  error
	)
	if path != "" {
		cfg, err = config.Load(path)
		used = path
	} else {
		cfg, used, err = config.LoadFirst(config.DefaultPaths...)
	}
	if err != nil {
		return nil, "", err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	return cfg, used, nil
}

func sequencerConfig(cfg *config.Config) services.SequencerConfig {
	t := cfg.Diagnostics.Timings
	th := cfg.Diagnostics.Thresholds
	s := cfg.Diagnostics.Session

	return services.SequencerConfig{
		Timings: services.StageTimings{
			CompatibilitySettle: t.CompatibilitySettle,
			MicrophoneCadence:   t.MicrophoneCadence,
			MicrophoneWindow:    t.MicrophoneWindow,
			MicrophoneAdvance:   t.MicrophoneAdvance,
			ResolutionSettle:    t.ResolutionSettle,
			ResolutionAdvance:   t.ResolutionAdvance,
			StatsInterval:       t.StatsInterval,
			ConnectivityWindow:  t.ConnectivityWindow,
			ConnectivitySettle:  t.ConnectivitySettle,
			ProbeInterval:       t.ProbeInterval,
			MessagingWindow:     t.MessagingWindow,
			FinalizeDelay:       t.FinalizeDelay,
			ChartTeardown:       t.ChartTeardown,
			TeardownTimeout:     t.TeardownTimeout,
		},
		Thresholds: services.Thresholds{
			MinimumVolume:          th.MinimumVolume,
			MinimumSuccessRate:     th.MinimumSuccessRate,
			KeyResolutionsRequired: th.KeyResolutionsRequired,
			MessagingSuccessRate:   th.MessagingSuccessRate,
			Fair:                   services.QualityBand{MinVideoBitrate: th.FairVideoKbps, MinAudioBitrate: th.FairAudioKbps},
			Good:                   services.QualityBand{MinVideoBitrate: th.GoodVideoKbps, MinAudioBitrate: th.GoodAudioKbps},
			Excellent:              services.QualityBand{MinVideoBitrate: th.ExcellentVideoKbps, MinAudioBitrate: th.ExcellentAudioKbps},
		},
		Session: services.SessionIdentity{
			AppID:           s.AppID,
			Channel:         s.Channel,
			SenderID:        s.SenderID,
			ReceiverID:      s.ReceiverID,
			SenderToken:     s.SenderToken,
			ReceiverToken:   s.ReceiverToken,
			MessagingUserID: s.MessagingUserID,
			MessagingToken:  s.MessagingToken,
		},
		Proxy: domain.ProxySettings{
			Enabled: cfg.Diagnostics.Proxy.Enabled,
			Mode:    domain.ProxyMode(cfg.Diagnostics.Proxy.Mode),
		},
	}
}

func transportConfig(cfg *config.Config) webrtcinfra.Config {
	tc := webrtcinfra.DefaultConfig()
	for _, s := range cfg.Transport.ICEServers {
		tc.ICEServers = append(tc.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	tc.PortRange.Min = cfg.Transport.PortRange.Min
	tc.PortRange.Max = cfg.Transport.PortRange.Max
	tc.VideoBitrate = cfg.Transport.VideoBitrate
	tc.AudioBitrate = cfg.Transport.AudioBitrate
	tc.NegotiationTimeout = cfg.Transport.NegotiationTimeout
	tc.PLIInterval = cfg.Transport.PLIInterval
	return tc
}

// devices is the capture probe, its capability check and speaker. They
// are the same object for both providers.
type devices interface {
	ports.CapabilityChecker
	ports.DeviceProbe
	ports.SpeakerSample
}

func newDevices(cfg *config.Config, log *zap.SugaredLogger) (devices, io.Closer, error) {
	switch cfg.Devices.Provider {
	case "browser":
		b, err := device.NewBrowser(device.BrowserConfig{
			Bin:       cfg.Devices.Browser.Bin,
			Headless:  cfg.Devices.Browser.Headless,
			NoSandbox: cfg.Devices.Browser.NoSandbox,
			Timeout:   cfg.Devices.Browser.Timeout,
		}, log.Named("browser"))
		if err != nil {
			return nil, nil, err
		}
		return b, b, nil
	default:
		return device.NewSynthetic(device.SyntheticConfig{
			Supported: true,
			Volume:    cfg.Devices.Synthetic.Volume,
			MaxWidth:  cfg.Devices.Synthetic.MaxWidth,
			MaxHeight: cfg.Devices.Synthetic.MaxHeight,
		}, log.Named("synthetic")), nil, nil
	}
}

// app is a fully wired diagnostic stack.
type app struct {
	cfg       *config.Config
	zap       *zap.Logger
	log       *zap.SugaredLogger
	tracer    *tracing.TracerProvider
	repos     *repositories.RepositoryFactory
	reports   ports.ReportRepository
	auth      services.AuthService
	transport *webrtcinfra.LoopbackManager
	sequencer *services.Sequencer
	health    *monitoring.HealthChecker
	registry  *prometheus.Registry
	archive   *circuitbreaker.CircuitBreaker

	closers []io.Closer
}

func newApp(cfg *config.Config) (*app, error) {
	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	log := zapLogger.Sugar()

	a := &app{cfg: cfg, zap: zapLogger, log: log}

	tp, err := tracing.Init(cfg.Tracing, version)
	if err != nil {
		log.Warnw("tracing disabled", "error", err)
	} else {
		a.tracer = tp
	}

	if a.repos, err = repositories.NewRepositoryFactory(cfg, log); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create repository factory: %w", err)
	}
	a.reports = a.repos.CreateReportRepository()

	var verify messaging.LoginVerifier
	if cfg.Auth.Enabled {
		a.auth = services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)
		verify = a.auth.ValidateMessagingToken
	}

	provider, err := messaging.NewProvider(cfg, a.repos.RedisClient(), verify, log.Named("messaging"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create messaging provider: %w", err)
	}
	provider = messaging.Traced(cfg.Messaging.Provider, provider)

	devs, closer, err := newDevices(cfg, log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create device probe: %w", err)
	}
	if closer != nil {
		a.closers = append(a.closers, closer)
	}

	if a.transport, err = webrtcinfra.NewLoopbackManager(transportConfig(cfg), log.Named("transport")); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	archiveLog := log.Named("reports")
	a.archive = circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.Reports.BreakerFailures,
		Timeout:          cfg.Reports.BreakerCooldown,
	}, circuitbreaker.WithStateChange(func(from, to circuitbreaker.State) {
		archiveLog.Warnw("report archive breaker changed state", "from", from.String(), "to", to.String())
	}))
	observers := services.Observers{
		services.NewReportArchiver(a.reports, cfg.Reports.SaveTimeout, archiveLog).WithBreaker(a.archive),
	}
	if cfg.Monitoring.PrometheusEnabled {
		a.registry = prometheus.NewRegistry()
		observers = append(observers, monitoring.NewPrometheusCollector(a.registry))
	}

	a.sequencer = services.NewSequencer(sequencerConfig(cfg), services.Dependencies{
		Capabilities: devs,
		Devices:      devs,
		Speaker:      devs,
		Transport:    a.transport,
		Messaging:    provider,
		Clock:        services.SystemClock{},
		Observer:     observers,
	}, log.Named("sequencer"))

	a.health = monitoring.NewHealthChecker(log.Named("health"))
	interval := cfg.Monitoring.HealthCheckInterval
	a.health.AddSequencerCheck(a.sequencer, interval, time.Second)
	a.health.AddRepositoryCheck(a.reports, interval, 2*time.Second)
	a.health.AddBreakerCheck("report_archive", a.archive, interval)
	if a.repos.RedisClient() != nil {
		a.health.AddCheck("redis", a.repos.HealthCheck, interval, 2*time.Second)
	}

	id := cfg.Diagnostics.Session
	log.Infow("diagnostics session",
		"app_id", utils.MaskSensitive(id.AppID, 4),
		"channel", id.Channel,
		"sender", id.SenderID,
		"receiver", id.ReceiverID,
		"messaging_user", id.MessagingUserID,
		"messaging", cfg.Messaging.Provider,
		"devices", cfg.Devices.Provider,
	)

	return a, nil
}

// Close shuts the stack down in reverse dependency order.
func (a *app) Close() error {
	var errs []error
	if a.sequencer != nil {
		errs = append(errs, a.sequencer.Close())
	}
	if a.transport != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, a.transport.CloseAll(ctx))
		cancel()
	}
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	if a.repos != nil {
		errs = append(errs, a.repos.Close())
	}
	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, a.tracer.Shutdown(ctx))
		cancel()
	}
	a.zap.Sync()
	return errors.Join(errs...)
}
