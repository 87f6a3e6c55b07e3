// Package bulk implements the Discord bulk publishing scheduler: job store,
// per-job worker goroutines, polled cancellation, and coordinated shutdown.
package bulk

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"clippost/internal/discord"
	"clippost/internal/eventbus"
	"clippost/internal/telemetry"
	logx "clippost/pkg/logx"
)

// Extractor resolves Discord message links into media URL sets.
// *discord.Client satisfies this; tests substitute fakes.
type Extractor interface {
	Ready() error
	ExtractPair(ctx context.Context, link string) (discord.MediaPair, error)
	ExtractSet(ctx context.Context, link string, kind discord.Kind) ([]string, error)
}

// Dispatcher posts one JSON payload to a webhook URL. A nil error is a
// confirmed 200.
type Dispatcher interface {
	Dispatch(ctx context.Context, url string, payload any) error
}

type Config struct {
	// SleepSlice bounds cancellation/shutdown latency during interval waits.
	SleepSlice time.Duration

	// ShutdownGrace bounds how long Stop waits for workers to drain.
	ShutdownGrace time.Duration

	// DefaultInterval applies when a job is created with no interval.
	DefaultInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.SleepSlice <= 0 {
		c.SleepSlice = 10 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 15 * time.Second
	}
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = 5 * time.Minute
	}
	return c
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	store *Store
	ext   Extractor
	disp  Dispatcher
	bus   eventbus.Bus
	log   logx.Logger

	// shutdown is closed exactly once; workers select on it inside every
	// sleep slice and poll it at each loop top.
	shutdown chan struct{}
	stopOnce sync.Once
	workers  sync.WaitGroup
}

func New(cfg Config, store *Store, ext Extractor, disp Dispatcher, bus eventbus.Bus, log logx.Logger) *Service {
	return &Service{
		cfg:      cfg.withDefaults(),
		store:    store,
		ext:      ext,
		disp:     disp,
		bus:      bus,
		log:      log,
		shutdown: make(chan struct{}),
	}
}

// Apply updates runtime knobs (config hot reload).
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) Store() *Store { return s.store }

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// DefaultInterval exposes the configured fallback interval for callers that
// translate "intervalMinutes" request fields.
func (s *Service) DefaultInterval() time.Duration {
	return s.config().DefaultInterval
}

// CreateFlat validates a flat batch and starts its worker. Validation happens
// synchronously; no goroutine is spawned for a rejected job.
func (s *Service) CreateFlat(spec FlatSpec) (string, error) {
	if len(spec.Items) == 0 {
		return "", fmt.Errorf("invalid job data: expected a non-empty array of video rows")
	}
	for i, item := range spec.Items {
		if strings.TrimSpace(item.User) == "" ||
			strings.TrimSpace(item.MessageLink) == "" ||
			strings.TrimSpace(item.BackgroundAudio) == "" {
			return "", fmt.Errorf("video row %d has empty user, message_link, or background_audio", i)
		}
	}
	if strings.TrimSpace(spec.WebhookURL) == "" {
		return "", fmt.Errorf("invalid webhook URL")
	}
	if err := s.ext.Ready(); err != nil {
		return "", err
	}
	if spec.Interval <= 0 {
		spec.Interval = s.config().DefaultInterval
	}

	job := &Job{
		ID:          uuid.NewString(),
		Shape:       ShapeFlat,
		Flat:        &spec,
		WebhookURL:  spec.WebhookURL,
		WebhookType: spec.WebhookType,
		Interval:    spec.Interval,
		Total:       len(spec.Items),
		Status:      StatusPending,
		CreatedAt:   time.Now(),
	}
	s.launch(job)
	s.log.Info("bulk job created",
		logx.String("job", job.ID),
		logx.String("shape", string(job.Shape)),
		logx.Int("items", job.Total),
		logx.Duration("interval", job.Interval))
	return job.ID, nil
}

// CreateWizard validates a wizard batch and starts its worker.
func (s *Service) CreateWizard(spec WizardSpec) (string, error) {
	if spec.NumVideos < 1 {
		return "", fmt.Errorf("invalid number of videos")
	}
	if !validWizardWebhookType(spec.WebhookType) {
		return "", fmt.Errorf("invalid webhook type")
	}
	if strings.TrimSpace(spec.WebhookURL) == "" {
		return "", fmt.Errorf("no webhook URL configured for %s", strings.ReplaceAll(spec.WebhookType, "_", " "))
	}
	if len(spec.Titles) != spec.NumVideos {
		return "", fmt.Errorf("number of titles (%d) must match number of videos (%d)", len(spec.Titles), spec.NumVideos)
	}
	if len(spec.AudioLinks) != spec.NumVideos {
		return "", fmt.Errorf("number of audio links (%d) must match number of videos (%d)", len(spec.AudioLinks), spec.NumVideos)
	}
	if len(spec.BackgroundAudioLinks) != spec.NumVideos {
		return "", fmt.Errorf("number of background audio links (%d) must match number of videos (%d)", len(spec.BackgroundAudioLinks), spec.NumVideos)
	}
	if len(spec.ImageLinks) != spec.NumVideos {
		return "", fmt.Errorf("number of image links (%d) must match number of videos (%d)", len(spec.ImageLinks), spec.NumVideos)
	}
	if strings.TrimSpace(spec.ImageSetChannel) == "" {
		return "", fmt.Errorf("image set channel is required")
	}
	if spec.UseSecondImageSet {
		if len(spec.SecondImageLinks) != spec.NumVideos {
			return "", fmt.Errorf("number of second image links (%d) must match number of videos (%d)", len(spec.SecondImageLinks), spec.NumVideos)
		}
		if strings.TrimSpace(spec.SecondImageSetChannel) == "" {
			return "", fmt.Errorf("second image set channel is required when using second image set")
		}
	}

	discordLinks := make([]string, 0, 3*spec.NumVideos)
	discordLinks = append(discordLinks, spec.AudioLinks...)
	discordLinks = append(discordLinks, spec.ImageLinks...)
	if spec.UseSecondImageSet {
		discordLinks = append(discordLinks, spec.SecondImageLinks...)
	}
	for _, link := range discordLinks {
		if err := discord.ValidateLink(link); err != nil {
			return "", fmt.Errorf("invalid Discord message link format: %s", discord.NormalizeLink(link))
		}
	}
	for i, bg := range spec.BackgroundAudioLinks {
		if err := validateHTTPURL(bg); err != nil {
			return "", fmt.Errorf("invalid background audio URL %d: %s", i+1, strings.TrimSpace(bg))
		}
	}
	if spec.AudioSpeed < 1.0 || spec.AudioSpeed > 2.0 {
		return "", fmt.Errorf("audio speed must be between 1.0 and 2.0")
	}
	if err := s.ext.Ready(); err != nil {
		return "", err
	}
	if spec.Interval <= 0 {
		spec.Interval = s.config().DefaultInterval
	}

	sets := 1
	if spec.UseSecondImageSet {
		sets = 2
	}
	job := &Job{
		ID:          uuid.NewString(),
		Shape:       ShapeWizard,
		Wizard:      &spec,
		WebhookURL:  spec.WebhookURL,
		WebhookType: spec.WebhookType,
		Interval:    spec.Interval,
		Total:       spec.NumVideos * sets,
		Status:      StatusPending,
		CreatedAt:   time.Now(),
	}
	s.launch(job)
	s.log.Info("bulk job created",
		logx.String("job", job.ID),
		logx.String("shape", string(job.Shape)),
		logx.Int("videos", spec.NumVideos),
		logx.Int("image_sets", sets),
		logx.Duration("interval", job.Interval))
	return job.ID, nil
}

func (s *Service) launch(job *Job) {
	s.store.Create(job)
	telemetry.JobsCreated.Inc()
	telemetry.ActiveJobs.Inc()
	s.publish(EventJobCreated, JobEvent{JobID: job.ID, Shape: string(job.Shape), Status: string(job.Status), Total: job.Total})

	s.workers.Add(1)
	go s.run(job.ID)
}

// Status returns a copy of the job record.
func (s *Service) Status(id string) (Job, bool) {
	return s.store.Get(id)
}

// Cancel requests cooperative cancellation. The worker observes it at its
// next poll point, at most one sleep slice away.
func (s *Service) Cancel(id string) (bool, string) {
	ok, msg := s.store.Cancel(id)
	if ok {
		telemetry.JobsCancelled.Inc()
		s.publish(EventJobCancelled, JobEvent{JobID: id, Status: string(StatusCancelled)})
		s.log.Info("bulk job cancelled", logx.String("job", id))
	}
	return ok, msg
}

// Stop is the shutdown coordinator: raise the shutdown flag, cancel every
// pending/running job, clear the store, then wait for workers bounded by the
// configured grace (and by ctx). Safe to call more than once.
func (s *Service) Stop(ctx context.Context) {
	s.stopOnce.Do(func() { close(s.shutdown) })

	cancelled := s.store.CancelActiveAndClear()
	if len(cancelled) > 0 {
		s.log.Info("cancelled active jobs for shutdown", logx.Int("jobs", len(cancelled)))
		for _, id := range cancelled {
			telemetry.JobsCancelled.Inc()
			s.publish(EventJobCancelled, JobEvent{JobID: id, Status: string(StatusCancelled)})
		}
	}

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()

	grace := s.config().ShutdownGrace
	start := time.Now()
	select {
	case <-done:
		s.log.Info("bulk service stopped", logx.Duration("took", time.Since(start)))
	case <-time.After(grace):
		s.log.Warn("bulk workers did not stop within grace period", logx.Duration("grace", grace))
	case <-ctx.Done():
		s.log.Warn("bulk shutdown interrupted", logx.Err(ctx.Err()))
	}
}

func (s *Service) shutdownRequested() bool {
	select {
	case <-s.shutdown:
		return true
	default:
		return false
	}
}

func (s *Service) publish(typ string, ev JobEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func validWizardWebhookType(t string) bool {
	return t == "submit_job" || t == "nocap_job"
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}
