package bulk

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"clippost/internal/discord"
	logx "clippost/pkg/logx"
)

type fakeExtractor struct {
	mu       sync.Mutex
	readyErr error
	failPair map[string]bool
	failSet  map[string]bool
	setCalls map[string]int
}

func (f *fakeExtractor) Ready() error { return f.readyErr }

func (f *fakeExtractor) ExtractPair(_ context.Context, link string) (discord.MediaPair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPair[link] {
		return discord.MediaPair{}, errors.New("message must have exactly 8 attachments (4 audio + 4 images), found 3")
	}
	return discord.MediaPair{
		Images: []string{link + "/img"},
		Audios: []string{link + "/aud"},
	}, nil
}

func (f *fakeExtractor) ExtractSet(_ context.Context, link string, kind discord.Kind) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setCalls == nil {
		f.setCalls = map[string]int{}
	}
	f.setCalls[link]++
	if f.failSet[link] {
		return nil, errors.New("message must have exactly 4 attachments, found 2")
	}
	return []string{link + "#" + kind.String()}, nil
}

func (f *fakeExtractor) setCallCount(link string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setCalls[link]
}

type dispatchCall struct {
	url     string
	payload any
}

type fakeDispatcher struct {
	mu      sync.Mutex
	calls   []dispatchCall
	failIdx map[int]bool
}

func (f *fakeDispatcher) Dispatch(_ context.Context, url string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.calls)
	f.calls = append(f.calls, dispatchCall{url: url, payload: payload})
	if f.failIdx[idx] {
		return errors.New("webhook returned 500: boom")
	}
	return nil
}

func (f *fakeDispatcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeDispatcher) call(i int) dispatchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

// panickyDispatcher simulates a webhook client bug that escapes the per-item
// error handling.
type panickyDispatcher struct{}

func (panickyDispatcher) Dispatch(context.Context, string, any) error {
	panic("webhook client corrupted")
}

func newTestService(ext Extractor, disp Dispatcher) *Service {
	return New(Config{
		SleepSlice:      5 * time.Millisecond,
		ShutdownGrace:   2 * time.Second,
		DefaultInterval: time.Millisecond,
	}, NewStore(), ext, disp, nil, logx.Nop())
}

func waitForTerminal(t *testing.T, s *Service, id string) Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if job, ok := s.Status(id); ok && job.Status.Terminal() {
			return job
		}
		time.Sleep(2 * time.Millisecond)
	}
	job, ok := s.Status(id)
	t.Fatalf("job %s never reached a terminal state (found=%v, status=%s)", id, ok, job.Status)
	return Job{}
}

func flatLinks(links ...string) []FlatItem {
	items := make([]FlatItem, 0, len(links))
	for i, l := range links {
		items = append(items, FlatItem{User: "user" + string(rune('A'+i)), MessageLink: l, BackgroundAudio: "https://cdn.example/bg.mp3"})
	}
	return items
}

func TestFlatJobCompletes(t *testing.T) {
	t.Parallel()
	disp := &fakeDispatcher{}
	s := newTestService(&fakeExtractor{}, disp)

	id, err := s.CreateFlat(FlatSpec{
		Items:       flatLinks("link1", "link2", "link3"),
		WebhookURL:  "https://hook.example/webhook/bgaud",
		WebhookType: "submit_job",
		ChannelName: "clips",
	})
	if err != nil {
		t.Fatalf("CreateFlat: %v", err)
	}

	job := waitForTerminal(t, s, id)
	if job.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	if job.Completed != 3 || job.Failed != 0 {
		t.Fatalf("counters = (%d completed, %d failed), want (3, 0)", job.Completed, job.Failed)
	}
	if !job.NextPostAt.IsZero() {
		t.Fatal("next post time must be cleared on completion")
	}
	if disp.callCount() != 3 {
		t.Fatalf("dispatched %d times, want 3", disp.callCount())
	}

	p, ok := disp.call(0).payload.(flatPayload)
	if !ok {
		t.Fatalf("payload type %T", disp.call(0).payload)
	}
	if p.User != "userA" || p.JobType != "submit_job" || p.ChannelName != "clips" {
		t.Fatalf("payload = %+v", p)
	}
	if len(p.Audios) != 1 || p.Audios[0] != "link1/aud" {
		t.Fatalf("payload audios = %v", p.Audios)
	}
}

func TestFlatExtractionFailureCountsAndContinues(t *testing.T) {
	t.Parallel()
	disp := &fakeDispatcher{}
	ext := &fakeExtractor{failPair: map[string]bool{"bad": true}}
	s := newTestService(ext, disp)

	id, err := s.CreateFlat(FlatSpec{
		Items:      flatLinks("bad", "good"),
		WebhookURL: "https://hook.example/webhook/bgaud",
	})
	if err != nil {
		t.Fatalf("CreateFlat: %v", err)
	}

	job := waitForTerminal(t, s, id)
	if job.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	// The failed extraction still counts as an attempt.
	if job.Completed != 2 || job.Failed != 1 {
		t.Fatalf("counters = (%d completed, %d failed), want (2, 1)", job.Completed, job.Failed)
	}
	if disp.callCount() != 1 {
		t.Fatalf("dispatched %d times, want 1 (failed row skipped)", disp.callCount())
	}
	if len(job.Errors) != 1 || !strings.Contains(job.Errors[0], "failed to extract attachments") {
		t.Fatalf("errors = %v", job.Errors)
	}
}

func TestFlatDispatchFailure(t *testing.T) {
	t.Parallel()
	disp := &fakeDispatcher{failIdx: map[int]bool{0: true}}
	s := newTestService(&fakeExtractor{}, disp)

	id, err := s.CreateFlat(FlatSpec{
		Items:      flatLinks("link1", "link2"),
		WebhookURL: "https://hook.example/webhook/bgaud",
	})
	if err != nil {
		t.Fatalf("CreateFlat: %v", err)
	}

	job := waitForTerminal(t, s, id)
	if job.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	if job.Completed != 2 || job.Failed != 1 {
		t.Fatalf("counters = (%d completed, %d failed), want (2, 1)", job.Completed, job.Failed)
	}
	if disp.callCount() != 2 {
		t.Fatalf("dispatched %d times, want 2 (failure does not stop the job)", disp.callCount())
	}
}

func TestFlatValidation(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		spec FlatSpec
		ext  *fakeExtractor
	}{
		{"no rows", FlatSpec{WebhookURL: "https://x"}, &fakeExtractor{}},
		{"empty field", FlatSpec{
			Items:      []FlatItem{{User: "u", MessageLink: "", BackgroundAudio: "b"}},
			WebhookURL: "https://x",
		}, &fakeExtractor{}},
		{"no webhook url", FlatSpec{Items: flatLinks("l")}, &fakeExtractor{}},
		{"extractor not ready", FlatSpec{
			Items:      flatLinks("l"),
			WebhookURL: "https://x",
		}, &fakeExtractor{readyErr: errors.New("discord bot token not configured")}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := newTestService(tc.ext, &fakeDispatcher{})
			if _, err := s.CreateFlat(tc.spec); err == nil {
				t.Fatal("want validation error, got nil")
			}
			if len(s.Store().SnapshotAll()) != 0 {
				t.Fatal("rejected job must not be stored")
			}
		})
	}
}

func validWizardSpec(n int) WizardSpec {
	mk := func(prefix string) []string {
		out := make([]string, n)
		for i := range out {
			out[i] = "https://discord.com/channels/1/2/" + prefix + string(rune('0'+i))
		}
		return out
	}
	titles := make([]string, n)
	bgs := make([]string, n)
	for i := range titles {
		titles[i] = "title" + string(rune('0'+i))
		bgs[i] = "https://cdn.example/bg.mp3"
	}
	return WizardSpec{
		NumVideos:            n,
		WebhookURL:           "https://hook.example/webhook/bgaud",
		WebhookType:          "submit_job",
		Titles:               titles,
		AudioLinks:           mk("10"),
		BackgroundAudioLinks: bgs,
		AudioSpeed:           1.25,
		ImageLinks:           mk("20"),
		ImageSetChannel:      "channel-one",
	}
}

func TestWizardOrderingWithSecondSet(t *testing.T) {
	t.Parallel()
	disp := &fakeDispatcher{}
	s := newTestService(&fakeExtractor{}, disp)

	spec := validWizardSpec(2)
	spec.UseSecondImageSet = true
	spec.SecondImageLinks = []string{
		"https://discord.com/channels/1/2/300",
		"https://discord.com/channels/1/2/301",
	}
	spec.SecondImageSetChannel = "channel-two"

	id, err := s.CreateWizard(spec)
	if err != nil {
		t.Fatalf("CreateWizard: %v", err)
	}

	job := waitForTerminal(t, s, id)
	if job.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	if job.Total != 4 || job.Completed != 4 || job.Failed != 0 {
		t.Fatalf("counters = (total %d, completed %d, failed %d)", job.Total, job.Completed, job.Failed)
	}
	if disp.callCount() != 4 {
		t.Fatalf("dispatched %d times, want 4", disp.callCount())
	}

	// Set one runs video 0..N-1 before set two starts.
	wantOrder := []struct {
		user    string
		channel string
		image   string
	}{
		{"title0", "channel-one", spec.ImageLinks[0] + "#image"},
		{"title1", "channel-one", spec.ImageLinks[1] + "#image"},
		{"title0", "channel-two", spec.SecondImageLinks[0] + "#image"},
		{"title1", "channel-two", spec.SecondImageLinks[1] + "#image"},
	}
	for i, want := range wantOrder {
		p, ok := disp.call(i).payload.(wizardPayload)
		if !ok {
			t.Fatalf("payload %d type %T", i, disp.call(i).payload)
		}
		if p.User != want.user || p.ChannelName != want.channel {
			t.Fatalf("call %d: got (%s, %s), want (%s, %s)", i, p.User, p.ChannelName, want.user, want.channel)
		}
		if len(p.Images) != 1 || p.Images[0] != want.image {
			t.Fatalf("call %d: images = %v, want [%s]", i, p.Images, want.image)
		}
		if p.AudSpeed != 1.25 {
			t.Fatalf("call %d: aud_speed = %v", i, p.AudSpeed)
		}
	}
}

func TestWizardExtractionFailure(t *testing.T) {
	t.Parallel()
	spec := validWizardSpec(2)
	ext := &fakeExtractor{failSet: map[string]bool{spec.ImageLinks[0]: true}}
	disp := &fakeDispatcher{}
	s := newTestService(ext, disp)

	id, err := s.CreateWizard(spec)
	if err != nil {
		t.Fatalf("CreateWizard: %v", err)
	}

	job := waitForTerminal(t, s, id)
	if job.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	if job.Completed != 2 || job.Failed != 1 {
		t.Fatalf("counters = (%d completed, %d failed), want (2, 1)", job.Completed, job.Failed)
	}
	if disp.callCount() != 1 {
		t.Fatalf("dispatched %d times, want 1", disp.callCount())
	}
}

func TestWizardValidation(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		mutate func(*WizardSpec)
		want   string
	}{
		{"zero videos", func(s *WizardSpec) { s.NumVideos = 0 }, "invalid number of videos"},
		{"bad webhook type", func(s *WizardSpec) { s.WebhookType = "longform_job" }, "invalid webhook type"},
		{"no webhook url", func(s *WizardSpec) { s.WebhookURL = "" }, "no webhook URL configured"},
		{"title count", func(s *WizardSpec) { s.Titles = s.Titles[:1] }, "number of titles"},
		{"audio link count", func(s *WizardSpec) { s.AudioLinks = s.AudioLinks[:1] }, "number of audio links"},
		{"bad discord link", func(s *WizardSpec) { s.AudioLinks[0] = "https://example.com/x" }, "invalid Discord message link format"},
		{"bad background url", func(s *WizardSpec) { s.BackgroundAudioLinks[0] = "ftp://x/y.mp3" }, "invalid background audio URL 1"},
		{"speed too low", func(s *WizardSpec) { s.AudioSpeed = 0.5 }, "audio speed must be between 1.0 and 2.0"},
		{"speed too high", func(s *WizardSpec) { s.AudioSpeed = 2.5 }, "audio speed must be between 1.0 and 2.0"},
		{"no image channel", func(s *WizardSpec) { s.ImageSetChannel = " " }, "image set channel is required"},
		{"second set missing links", func(s *WizardSpec) {
			s.UseSecondImageSet = true
			s.SecondImageSetChannel = "two"
		}, "number of second image links"},
		{"second set missing channel", func(s *WizardSpec) {
			s.UseSecondImageSet = true
			s.SecondImageLinks = append([]string(nil), s.ImageLinks...)
		}, "second image set channel is required"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := newTestService(&fakeExtractor{}, &fakeDispatcher{})
			spec := validWizardSpec(2)
			tc.mutate(&spec)
			_, err := s.CreateWizard(spec)
			if err == nil {
				t.Fatal("want validation error, got nil")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error = %q, want substring %q", err, tc.want)
			}
		})
	}
}

func TestPanicDrivesJobToError(t *testing.T) {
	t.Parallel()
	s := newTestService(&fakeExtractor{}, panickyDispatcher{})

	id, err := s.CreateFlat(FlatSpec{
		Items:      flatLinks("link1", "link2"),
		WebhookURL: "https://hook.example/webhook/bgaud",
	})
	if err != nil {
		t.Fatalf("CreateFlat: %v", err)
	}

	job := waitForTerminal(t, s, id)
	if job.Status != StatusError {
		t.Fatalf("status = %s, want error", job.Status)
	}
	if !job.NextPostAt.IsZero() {
		t.Fatal("next post time must be cleared when the job errors")
	}
	if len(job.Errors) == 0 || !strings.Contains(job.Errors[len(job.Errors)-1], "job processing error") {
		t.Fatalf("errors = %v, want a job processing error entry", job.Errors)
	}

	// Terminal: a later cancel must fail without mutation.
	if ok, msg := s.Cancel(id); ok || msg != "job is already error" {
		t.Fatalf("Cancel after error = %v, %q", ok, msg)
	}
}

func TestWizardReusesAudioAcrossSets(t *testing.T) {
	t.Parallel()
	ext := &fakeExtractor{}
	disp := &fakeDispatcher{}
	s := newTestService(ext, disp)

	spec := validWizardSpec(2)
	spec.UseSecondImageSet = true
	spec.SecondImageLinks = []string{
		"https://discord.com/channels/1/2/300",
		"https://discord.com/channels/1/2/301",
	}
	spec.SecondImageSetChannel = "channel-two"

	id, err := s.CreateWizard(spec)
	if err != nil {
		t.Fatalf("CreateWizard: %v", err)
	}
	job := waitForTerminal(t, s, id)
	if job.Status != StatusCompleted || job.Completed != 4 {
		t.Fatalf("job = (%s, %d completed)", job.Status, job.Completed)
	}

	// Each audio message is fetched once and reused for the second image set;
	// image messages are per-set, so each image link is fetched once too.
	for _, link := range spec.AudioLinks {
		if got := ext.setCallCount(link); got != 1 {
			t.Fatalf("audio link %s extracted %d times, want 1", link, got)
		}
	}
	for _, link := range append(append([]string(nil), spec.ImageLinks...), spec.SecondImageLinks...) {
		if got := ext.setCallCount(link); got != 1 {
			t.Fatalf("image link %s extracted %d times, want 1", link, got)
		}
	}
}

func TestCancelMidJob(t *testing.T) {
	t.Parallel()
	disp := &fakeDispatcher{}
	s := newTestService(&fakeExtractor{}, disp)

	id, err := s.CreateFlat(FlatSpec{
		Items:      flatLinks("link1", "link2"),
		WebhookURL: "https://hook.example/webhook/bgaud",
		Interval:   time.Hour,
	})
	if err != nil {
		t.Fatalf("CreateFlat: %v", err)
	}

	// Wait for the first item, then cancel during the interval wait.
	deadline := time.Now().Add(5 * time.Second)
	for disp.callCount() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("first item never dispatched")
		}
		time.Sleep(2 * time.Millisecond)
	}

	ok, msg := s.Cancel(id)
	if !ok {
		t.Fatalf("Cancel: %s", msg)
	}

	job := waitForTerminal(t, s, id)
	if job.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", job.Status)
	}
	if job.Completed != 1 {
		t.Fatalf("completed = %d, want 1", job.Completed)
	}
	if !job.NextPostAt.IsZero() {
		t.Fatal("next post time must be cleared on cancellation")
	}

	// The worker must observe the cancellation within a couple sleep slices,
	// not after the hour-long interval.
	time.Sleep(50 * time.Millisecond)
	if disp.callCount() != 1 {
		t.Fatalf("dispatched %d times after cancel, want 1", disp.callCount())
	}
}

func TestStopCancelsActiveJobs(t *testing.T) {
	t.Parallel()
	disp := &fakeDispatcher{}
	s := newTestService(&fakeExtractor{}, disp)

	_, err := s.CreateFlat(FlatSpec{
		Items:      flatLinks("link1", "link2", "link3"),
		WebhookURL: "https://hook.example/webhook/bgaud",
		Interval:   time.Hour,
	})
	if err != nil {
		t.Fatalf("CreateFlat: %v", err)
	}

	start := time.Now()
	s.Stop(context.Background())
	if took := time.Since(start); took > time.Second {
		t.Fatalf("Stop took %v, want well under the hour interval", took)
	}
	if len(s.Store().SnapshotAll()) != 0 {
		t.Fatal("store must be cleared on shutdown")
	}

	// Idempotent.
	s.Stop(context.Background())
}

func TestStatusUnknown(t *testing.T) {
	t.Parallel()
	s := newTestService(&fakeExtractor{}, &fakeDispatcher{})
	if _, ok := s.Status("nope"); ok {
		t.Fatal("unknown job must not be found")
	}
	ok, msg := s.Cancel("nope")
	if ok || msg != "job not found" {
		t.Fatalf("Cancel = %v, %q", ok, msg)
	}
}
