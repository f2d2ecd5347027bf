package connectivity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	// DefaultSchedule probes every fifteen seconds.
	DefaultSchedule = "@every 15s"
	// DefaultProbeTimeout bounds each reachability check.
	DefaultProbeTimeout = 5 * time.Second
)

var errMissingMonitor = errors.New("connectivity: monitor is required")

// Pinger reports whether the backend answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ProberConfig describes a Prober.
type ProberConfig struct {
	Monitor *Monitor
	Backend Pinger
	// ProbeURL is requested with HEAD to check general internet access. Empty skips the check.
	ProbeURL   string
	HTTPClient *http.Client
	Timeout    time.Duration
	Schedule   string
	Logger     *zap.Logger
}

// Prober periodically checks internet and backend reachability and feeds the Monitor. The
// device counts as online only when both checks pass.
type Prober struct {
	monitor    *Monitor
	backend    Pinger
	probeURL   string
	httpClient *http.Client
	timeout    time.Duration
	schedule   string
	logger     *zap.Logger
	cron       *cron.Cron
}

// NewProber validates cfg and registers the schedule.
func NewProber(cfg ProberConfig) (*Prober, error) {
	if cfg.Monitor == nil {
		return nil, errMissingMonitor
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	schedule := strings.TrimSpace(cfg.Schedule)
	if schedule == "" {
		schedule = DefaultSchedule
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Prober{
		monitor:    cfg.Monitor,
		backend:    cfg.Backend,
		probeURL:   strings.TrimSpace(cfg.ProbeURL),
		httpClient: httpClient,
		timeout:    timeout,
		schedule:   schedule,
		logger:     logger,
		cron:       cron.New(),
	}
	_, err := p.cron.AddFunc(schedule, func() {
		p.Check(context.Background())
	})
	if err != nil {
		return nil, fmt.Errorf("connectivity: invalid probe schedule %q: %w", schedule, err)
	}
	return p, nil
}

// Check runs both reachability checks once, reports the result to the monitor and returns it.
// Every check is reported, including unchanged ones, so a steady online state keeps retrying
// queued work.
func (p *Prober) Check(ctx context.Context) bool {
	online := p.checkInternet(ctx) && p.checkBackend(ctx)
	p.monitor.Report(online)
	return online
}

func (p *Prober) checkInternet(ctx context.Context) bool {
	if p.probeURL == "" {
		return true
	}
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	request, err := http.NewRequestWithContext(probeCtx, http.MethodHead, p.probeURL, nil)
	if err != nil {
		p.logger.Warn("invalid probe url", zap.String("url", p.probeURL), zap.Error(err))
		return false
	}
	response, err := p.httpClient.Do(request)
	if err != nil {
		p.logger.Debug("internet probe failed", zap.Error(err))
		return false
	}
	_ = response.Body.Close()
	return true
}

func (p *Prober) checkBackend(ctx context.Context) bool {
	if p.backend == nil {
		return true
	}
	pingCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.backend.Ping(pingCtx); err != nil {
		p.logger.Debug("backend probe failed", zap.Error(err))
		return false
	}
	return true
}

// Start probes once and then on the configured schedule.
func (p *Prober) Start(ctx context.Context) {
	p.logger.Info("starting connectivity prober", zap.String("schedule", p.schedule))
	p.Check(ctx)
	p.cron.Start()
}

// Stop halts the schedule and waits for a running probe to finish.
func (p *Prober) Stop() {
	<-p.cron.Stop().Done()
}
