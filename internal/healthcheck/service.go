// Package healthcheck runs scheduled reachability probes against the
// configured webhook endpoints and logs a periodic job-store summary.
//
// Probes are TCP-dial only: POSTing an n8n webhook would trigger the
// workflow, so we never send anything.
package healthcheck

import (
	"context"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"clippost/internal/bulk"
	"clippost/internal/n8n"
	logx "clippost/pkg/logx"
)

type Config struct {
	Enabled  bool
	Schedule string
	Timeout  time.Duration
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	webhooks *n8n.ConfigStore
	jobs     *bulk.Store

	c *cron.Cron
}

func New(cfg Config, webhooks *n8n.ConfigStore, jobs *bulk.Store, log logx.Logger) *Service {
	if cfg.Schedule == "" {
		cfg.Schedule = "*/10 * * * *"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Service{cfg: cfg, log: log, webhooks: webhooks, jobs: jobs}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.c != nil {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(s.cfg.Schedule, func() { s.runOnce(ctx) }); err != nil {
		return err
	}
	c.Start()
	s.c = c
	s.log.Info("healthcheck started", logx.String("schedule", s.cfg.Schedule))
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		s.log.Warn("healthcheck jobs did not drain in time")
	}
}

func (s *Service) runOnce(ctx context.Context) {
	s.mu.Lock()
	timeout := s.cfg.Timeout
	s.mu.Unlock()

	for name, raw := range s.webhooks.URLs() {
		ok, err := probe(ctx, raw, timeout)
		if ok {
			s.log.Debug("webhook reachable", logx.String("webhook", name))
		} else {
			s.log.Warn("webhook unreachable", logx.String("webhook", name), logx.String("url", raw), logx.Err(err))
		}
	}

	jobs := s.jobs.SnapshotAll()
	byStatus := make(map[string]int, len(jobs))
	active := 0
	for _, j := range jobs {
		byStatus[string(j.Status)]++
		if !j.Status.Terminal() {
			active++
		}
	}
	s.log.Info("job store summary",
		logx.Int("jobs", len(jobs)),
		logx.Int("active", active),
		logx.Any("by_status", byStatus))
}

func probe(ctx context.Context, raw string, timeout time.Duration) (bool, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false, err
	}
	host := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "https":
			host = net.JoinHostPort(u.Hostname(), "443")
		default:
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return false, err
	}
	_ = conn.Close()
	return true, nil
}
