package bulk

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"clippost/internal/discord"
	"clippost/internal/telemetry"
	logx "clippost/pkg/logx"
)

// flatPayload is the webhook body for flat jobs. Field names are part of the
// n8n workflow contract.
type flatPayload struct {
	Audios          []string `json:"audios"`
	Images          []string `json:"images"`
	BackgroundAudio string   `json:"background_audio"`
	JobType         string   `json:"job_type"`
	User            string   `json:"user"`
	ChannelName     string   `json:"channel_name,omitempty"`
}

// wizardPayload is the webhook body for wizard jobs.
type wizardPayload struct {
	User            string   `json:"user"`
	Images          []string `json:"images"`
	Audios          []string `json:"audios"`
	BackgroundAudio string   `json:"background_audio"`
	AudSpeed        float64  `json:"aud_speed"`
	ChannelName     string   `json:"channel_name"`
}

type waitResult int

const (
	waitContinue waitResult = iota
	waitShutdown
	waitCancelled
)

// run owns a single job from pending to a terminal state. Expected per-item
// failures are recorded and the loop continues; only a panic escaping the
// item handling drives the whole job to error.
func (s *Service) run(jobID string) {
	defer s.workers.Done()
	defer telemetry.ActiveJobs.Dec()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("bulk job crashed",
				logx.String("job", jobID),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
			marked := false
			s.store.Mutate(jobID, func(j *Job) {
				if j.Status.Terminal() {
					return
				}
				j.Status = StatusError
				j.NextPostAt = time.Time{}
				j.Errors = append(j.Errors, fmt.Sprintf("job processing error: %v", r))
				marked = true
			})
			if marked {
				telemetry.JobsErrored.Inc()
				s.publish(EventJobErrored, JobEvent{JobID: jobID, Status: string(StatusError), Error: fmt.Sprint(r)})
			}
		}
	}()

	started := false
	s.store.Mutate(jobID, func(j *Job) {
		if j.Status == StatusPending {
			j.Status = StatusRunning
			started = true
		}
	})
	if !started {
		// Cancelled (or cleared by shutdown) before the worker got scheduled.
		return
	}

	job, ok := s.store.Get(jobID)
	if !ok {
		return
	}
	s.publish(EventJobStarted, JobEvent{JobID: jobID, Shape: string(job.Shape), Status: string(StatusRunning), Total: job.Total})
	s.log.Info("bulk job started", logx.String("job", jobID), logx.String("shape", string(job.Shape)), logx.Int("total", job.Total))

	ctx := context.Background()
	switch job.Shape {
	case ShapeFlat:
		s.runFlat(ctx, job)
	case ShapeWizard:
		s.runWizard(ctx, job)
	}
}

func (s *Service) runFlat(ctx context.Context, job Job) {
	items := job.Flat.Items
	total := len(items)

	for i, item := range items {
		if s.shutdownRequested() {
			s.markShutdownCancelled(job.ID)
			return
		}
		if st, ok := s.store.Get(job.ID); !ok || st.Status != StatusRunning {
			return
		}

		media, err := s.ext.ExtractPair(ctx, item.MessageLink)
		if err != nil {
			s.recordItemFailure(job.ID, i,
				fmt.Sprintf("failed to extract attachments from message %d: %v", i+1, err))
			// No interval wait after an extraction failure; move straight on.
			continue
		}

		payload := flatPayload{
			Audios:          media.Audios,
			Images:          media.Images,
			BackgroundAudio: item.BackgroundAudio,
			JobType:         job.WebhookType,
			User:            item.User,
			ChannelName:     job.Flat.ChannelName,
		}
		dispatchStart := time.Now()
		dispatchErr := s.disp.Dispatch(ctx, job.WebhookURL, payload)
		telemetry.WebhookLatency.Observe(time.Since(dispatchStart).Seconds())

		s.recordDispatch(job.ID, i, total, dispatchErr,
			fmt.Sprintf("failed to post item %d for %s: %v", i+1, item.User, dispatchErr))
		s.log.Info("bulk item processed",
			logx.String("job", job.ID),
			logx.Int("item", i+1),
			logx.Int("total", total),
			logx.Bool("ok", dispatchErr == nil))

		if i < total-1 {
			switch s.waitInterval(job.ID, job.Interval) {
			case waitShutdown:
				s.markShutdownCancelled(job.ID)
				return
			case waitCancelled:
				return
			}
		}
	}

	s.finish(job.ID)
}

type imageSet struct {
	links   []string
	channel string
}

func (s *Service) runWizard(ctx context.Context, job Job) {
	spec := job.Wizard

	sets := []imageSet{{links: spec.ImageLinks, channel: spec.ImageSetChannel}}
	if spec.UseSecondImageSet {
		sets = append(sets, imageSet{links: spec.SecondImageLinks, channel: spec.SecondImageSetChannel})
	}
	total := spec.NumVideos * len(sets)

	// Image set 1 runs to completion before set 2 begins; audio/title data is
	// shared between passes, image links differ per set. Audio attachments are
	// fetched once per video and reused for the second set so each audio
	// message is hit only once.
	audioCache := make(map[int][]string, spec.NumVideos)

	idx := 0
	for _, set := range sets {
		for v := 0; v < spec.NumVideos; v++ {
			if s.shutdownRequested() {
				s.markShutdownCancelled(job.ID)
				return
			}
			if st, ok := s.store.Get(job.ID); !ok || st.Status != StatusRunning {
				return
			}

			itemNo := idx + 1
			images, err := s.ext.ExtractSet(ctx, set.links[v], discord.KindImage)
			if err != nil {
				s.recordItemFailure(job.ID, idx,
					fmt.Sprintf("failed to extract image set for item %d (%s): %v", itemNo, set.channel, err))
				idx++
				continue
			}
			audios, cached := audioCache[v]
			if !cached {
				audios, err = s.ext.ExtractSet(ctx, spec.AudioLinks[v], discord.KindAudio)
				if err != nil {
					s.recordItemFailure(job.ID, idx,
						fmt.Sprintf("failed to extract audio for item %d (%s): %v", itemNo, spec.Titles[v], err))
					idx++
					continue
				}
				audioCache[v] = audios
			}

			payload := wizardPayload{
				User:            spec.Titles[v],
				Images:          images,
				Audios:          audios,
				BackgroundAudio: spec.BackgroundAudioLinks[v],
				AudSpeed:        spec.AudioSpeed,
				ChannelName:     set.channel,
			}
			dispatchStart := time.Now()
			dispatchErr := s.disp.Dispatch(ctx, job.WebhookURL, payload)
			telemetry.WebhookLatency.Observe(time.Since(dispatchStart).Seconds())

			s.recordDispatch(job.ID, idx, total, dispatchErr,
				fmt.Sprintf("failed to post item %d (%s): %v", itemNo, spec.Titles[v], dispatchErr))
			s.log.Info("bulk item processed",
				logx.String("job", job.ID),
				logx.Int("item", itemNo),
				logx.Int("total", total),
				logx.String("channel", set.channel),
				logx.Bool("ok", dispatchErr == nil))

			if idx < total-1 {
				switch s.waitInterval(job.ID, job.Interval) {
				case waitShutdown:
					s.markShutdownCancelled(job.ID)
					return
				case waitCancelled:
					return
				}
			}
			idx++
		}
	}

	s.finish(job.ID)
}

// recordItemFailure counts an attempted item that never reached the webhook.
// Completed counts attempts, so it moves together with Failed.
func (s *Service) recordItemFailure(jobID string, idx int, msg string) {
	s.store.Mutate(jobID, func(j *Job) {
		if j.Status.Terminal() {
			return
		}
		j.Completed++
		j.Failed++
		j.Errors = append(j.Errors, msg)
	})
	telemetry.ItemsFailed.Inc()
	s.publish(EventItemFailed, JobEvent{JobID: jobID, Item: idx + 1, Error: msg})
	s.log.Warn("bulk item failed", logx.String("job", jobID), logx.Int("item", idx+1), logx.String("reason", msg))
}

// recordDispatch updates counters after a webhook attempt and schedules the
// next post time when more items remain.
func (s *Service) recordDispatch(jobID string, idx, total int, dispatchErr error, failMsg string) {
	now := time.Now()
	s.store.Mutate(jobID, func(j *Job) {
		if j.Status.Terminal() {
			return
		}
		j.Completed++
		j.LastPostAt = now
		if dispatchErr != nil {
			j.Failed++
			j.Errors = append(j.Errors, failMsg)
		}
		if idx < total-1 {
			j.NextPostAt = now.Add(j.Interval)
		}
	})
	telemetry.ItemsPosted.Inc()
	if dispatchErr != nil {
		telemetry.ItemsFailed.Inc()
		s.publish(EventItemFailed, JobEvent{JobID: jobID, Item: idx + 1, Error: failMsg})
	} else {
		s.publish(EventItemPosted, JobEvent{JobID: jobID, Item: idx + 1, Total: total})
	}
}

// waitInterval sleeps the inter-item interval in slices so cancellation and
// shutdown latency stay bounded by one slice. The shutdown channel also
// interrupts a slice in-flight.
func (s *Service) waitInterval(jobID string, interval time.Duration) waitResult {
	slice := s.config().SleepSlice
	deadline := time.Now().Add(interval)

	for {
		if s.shutdownRequested() {
			return waitShutdown
		}
		if st, ok := s.store.Get(jobID); !ok || st.Status != StatusRunning {
			return waitCancelled
		}
		remain := time.Until(deadline)
		if remain <= 0 {
			return waitContinue
		}
		d := slice
		if remain < d {
			d = remain
		}
		t := time.NewTimer(d)
		select {
		case <-s.shutdown:
			t.Stop()
			return waitShutdown
		case <-t.C:
		}
	}
}

// markShutdownCancelled terminates a job the worker abandoned because the
// process is stopping. The store may already be cleared; that's fine.
func (s *Service) markShutdownCancelled(jobID string) {
	marked := false
	s.store.Mutate(jobID, func(j *Job) {
		if j.Status.Terminal() {
			return
		}
		j.Status = StatusCancelled
		j.NextPostAt = time.Time{}
		marked = true
	})
	if marked {
		telemetry.JobsCancelled.Inc()
		s.publish(EventJobCancelled, JobEvent{JobID: jobID, Status: string(StatusCancelled)})
	}
	s.log.Info("bulk job stopped for shutdown", logx.String("job", jobID))
}

func (s *Service) finish(jobID string) {
	finished := false
	var completed, failed int
	s.store.Mutate(jobID, func(j *Job) {
		if j.Status.Terminal() {
			return
		}
		j.Status = StatusCompleted
		j.NextPostAt = time.Time{}
		finished = true
		completed, failed = j.Completed, j.Failed
	})
	if !finished {
		return
	}
	telemetry.JobsCompleted.Inc()
	s.publish(EventJobCompleted, JobEvent{JobID: jobID, Status: string(StatusCompleted), Completed: completed, Failed: failed})
	if failed > 0 {
		s.log.Warn("bulk job finished with failures", logx.String("job", jobID), logx.Int("completed", completed), logx.Int("failed", failed))
	} else {
		s.log.Info("bulk job finished", logx.String("job", jobID), logx.Int("completed", completed))
	}
}
