// Package httpapi exposes the JSON HTTP surface: bulk job create/status/cancel,
// webhook config read/update, health, and Prometheus metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"clippost/internal/bulk"
	"clippost/internal/n8n"
	"clippost/internal/telemetry"
	logx "clippost/pkg/logx"
)

type Config struct {
	Listen  string
	Metrics bool
}

type Server struct {
	cfg      Config
	bulk     *bulk.Service
	webhooks *n8n.ConfigStore
	log      logx.Logger

	srv *http.Server
}

func New(cfg Config, bulkSvc *bulk.Service, webhooks *n8n.ConfigStore, log logx.Logger) *Server {
	return &Server{cfg: cfg, bulk: bulkSvc, webhooks: webhooks, log: log}
}

// Router builds the HTTP router. Exposed separately from Start so tests can
// drive it through httptest.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	if s.cfg.Metrics {
		r.Mount("/metrics", telemetry.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/discord-bulk-job", s.handleCreateFlat)
		r.Post("/discord-bulk-job-wizard", s.handleCreateWizard)
		r.Get("/discord-bulk-job-status/{jobID}", s.handleStatus)
		r.Post("/discord-bulk-job-cancel/{jobID}", s.handleCancel)
		r.Get("/n8n/config", s.handleGetWebhookConfig)
		r.Post("/n8n/config", s.handleUpdateWebhookConfig)
	})
	return r
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	s.srv = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server exited", logx.Err(err))
		}
	}()
	s.log.Info("http api listening", logx.String("addr", ln.Addr().String()))
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// ---- request/response shapes (field names match the existing frontend) ----

type flatRow struct {
	User            string `json:"user"`
	MessageLink     string `json:"message_link"`
	BackgroundAudio string `json:"background_audio"`
}

type createFlatRequest struct {
	Rows            []flatRow `json:"rows"`
	WebhookType     string    `json:"webhookType"`
	WebhookURL      string    `json:"webhookUrl"`
	ChannelName     string    `json:"channelName"`
	IntervalMinutes float64   `json:"intervalMinutes"`
}

type createWizardRequest struct {
	NumVideos            int      `json:"numVideos"`
	WebhookType          string   `json:"webhookType"`
	Titles               []string `json:"titles"`
	AudioLinks           []string `json:"audioLinks"`
	BackgroundAudioLinks []string `json:"backgroundAudioLinks"`
	AudioSpeed           float64  `json:"audioSpeed"`
	ImageLinks           []string `json:"imageLinks"`
	ImageSetChannel      string   `json:"imageSetChannel"`

	UseSecondImageSet     bool     `json:"useSecondImageSet"`
	SecondImageLinks      []string `json:"secondImageLinks"`
	SecondImageSetChannel string   `json:"secondImageSetChannel"`

	IntervalMinutes float64 `json:"intervalMinutes"`
}

type jobResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	JobID   string `json:"job_id,omitempty"`
}

type statusResponse struct {
	Status       string   `json:"status"`
	Total        int      `json:"total"`
	Completed    int      `json:"completed"`
	Failed       int      `json:"failed"`
	NextPostTime *string  `json:"next_post_time"`
	Errors       []string `json:"errors"`
}

func (s *Server) handleCreateFlat(w http.ResponseWriter, r *http.Request) {
	var req createFlatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, jobResponse{Message: "invalid JSON body"})
		return
	}

	webhookURL := strings.TrimSpace(req.WebhookURL)
	if webhookURL == "" {
		u, ok := s.webhooks.URL(n8n.WebhookType(req.WebhookType))
		if !ok {
			writeJSON(w, http.StatusBadRequest, jobResponse{
				Message: fmt.Sprintf("no webhook URL configured for type %q", req.WebhookType),
			})
			return
		}
		webhookURL = u
	}

	items := make([]bulk.FlatItem, 0, len(req.Rows))
	for _, row := range req.Rows {
		items = append(items, bulk.FlatItem{
			User:            row.User,
			MessageLink:     row.MessageLink,
			BackgroundAudio: row.BackgroundAudio,
		})
	}

	jobID, err := s.bulk.CreateFlat(bulk.FlatSpec{
		Items:       items,
		WebhookURL:  webhookURL,
		WebhookType: req.WebhookType,
		ChannelName: req.ChannelName,
		Interval:    intervalFromMinutes(req.IntervalMinutes),
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, jobResponse{Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{
		Success: true,
		Message: fmt.Sprintf("bulk job started with %d videos", len(items)),
		JobID:   jobID,
	})
}

func (s *Server) handleCreateWizard(w http.ResponseWriter, r *http.Request) {
	var req createWizardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, jobResponse{Message: "invalid JSON body"})
		return
	}

	// The wizard never carries an explicit URL; it is always resolved from
	// the stored config by type.
	webhookURL, _ := s.webhooks.URL(n8n.WebhookType(req.WebhookType))

	jobID, err := s.bulk.CreateWizard(bulk.WizardSpec{
		NumVideos:            req.NumVideos,
		WebhookURL:           webhookURL,
		WebhookType:          req.WebhookType,
		Titles:               req.Titles,
		AudioLinks:           req.AudioLinks,
		BackgroundAudioLinks: req.BackgroundAudioLinks,
		AudioSpeed:           req.AudioSpeed,
		ImageLinks:           req.ImageLinks,
		ImageSetChannel:      req.ImageSetChannel,

		UseSecondImageSet:     req.UseSecondImageSet,
		SecondImageLinks:      req.SecondImageLinks,
		SecondImageSetChannel: req.SecondImageSetChannel,

		Interval: intervalFromMinutes(req.IntervalMinutes),
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, jobResponse{Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{
		Success: true,
		Message: fmt.Sprintf("wizard bulk job started with %d videos", req.NumVideos),
		JobID:   jobID,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	job, ok := s.bulk.Status(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, jobResponse{Message: "job not found"})
		return
	}

	resp := statusResponse{
		Status:    string(job.Status),
		Total:     job.Total,
		Completed: job.Completed,
		Failed:    job.Failed,
		Errors:    job.Errors,
	}
	if resp.Errors == nil {
		resp.Errors = []string{}
	}
	if !job.NextPostAt.IsZero() {
		t := job.NextPostAt.Format("2006-01-02 15:04:05")
		resp.NextPostTime = &t
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	if _, found := s.bulk.Status(id); !found {
		writeJSON(w, http.StatusNotFound, jobResponse{Message: "job not found"})
		return
	}
	ok, msg := s.bulk.Cancel(id)
	if !ok {
		writeJSON(w, http.StatusBadRequest, jobResponse{Message: msg})
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{Success: true, Message: msg})
}

type webhookConfigResponse struct {
	WebhookURLs    map[string]string `json:"webhook_urls"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	LastUpdated    string            `json:"last_updated,omitempty"`
}

type updateWebhookConfigRequest struct {
	NgrokBaseURL string `json:"ngrok_base_url"`
}

func (s *Server) handleGetWebhookConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, webhookConfigResponse{
		WebhookURLs:    s.webhooks.URLs(),
		TimeoutSeconds: int(s.webhooks.Timeout(30*time.Second) / time.Second),
		LastUpdated:    s.webhooks.LastUpdated(),
	})
}

func (s *Server) handleUpdateWebhookConfig(w http.ResponseWriter, r *http.Request) {
	var req updateWebhookConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, jobResponse{Message: "invalid JSON body"})
		return
	}
	if strings.TrimSpace(req.NgrokBaseURL) == "" {
		writeJSON(w, http.StatusBadRequest, jobResponse{Message: "ngrok_base_url is required"})
		return
	}
	if err := s.webhooks.UpdateFromBase(req.NgrokBaseURL); err != nil {
		writeJSON(w, http.StatusInternalServerError, jobResponse{Message: err.Error()})
		return
	}
	s.log.Info("webhook config updated", logx.String("base", strings.TrimSpace(req.NgrokBaseURL)))
	writeJSON(w, http.StatusOK, webhookConfigResponse{
		WebhookURLs:    s.webhooks.URLs(),
		TimeoutSeconds: int(s.webhooks.Timeout(30*time.Second) / time.Second),
		LastUpdated:    s.webhooks.LastUpdated(),
	})
}

type healthResponse struct {
	Status      string         `json:"status"`
	Jobs        int            `json:"jobs"`
	ActiveJobs  int            `json:"active_jobs"`
	JobStatuses map[string]int `json:"job_statuses"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	jobs := s.bulk.Store().SnapshotAll()
	statuses := make(map[string]int, len(jobs))
	active := 0
	for _, j := range jobs {
		statuses[string(j.Status)]++
		if !j.Status.Terminal() {
			active++
		}
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Jobs:        len(jobs),
		ActiveJobs:  active,
		JobStatuses: statuses,
	})
}

func intervalFromMinutes(m float64) time.Duration {
	if m <= 0 {
		return 0
	}
	return time.Duration(m * float64(time.Minute))
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
