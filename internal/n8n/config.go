// Package n8n holds the webhook URL configuration and the JSON dispatcher for
// the downstream n8n automation flows.
package n8n

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "clippost/pkg/logx"
)

// WebhookType selects which n8n flow a payload is posted to.
type WebhookType string

const (
	WebhookSubmit   WebhookType = "submit_job"
	WebhookNocap    WebhookType = "nocap_job"
	WebhookLongform WebhookType = "longform_job"
	WebhookCompile  WebhookType = "compile_job"
)

// ValidJobType reports whether t is a type bulk jobs may target.
// Longform/compile flows are single-shot and not batchable.
func ValidJobType(t WebhookType) bool {
	return t == WebhookSubmit || t == WebhookNocap
}

// webhookPaths maps each flow to its path suffix under an n8n base URL.
// These suffixes are fixed by the deployed n8n workflows.
var webhookPaths = map[WebhookType]string{
	WebhookSubmit:   "/webhook/bgaud",
	WebhookNocap:    "/webhook/back",
	WebhookLongform: "/webhook/longform",
	WebhookCompile:  "/webhook/compile",
}

// fileConfig is the on-disk shape, kept compatible with the existing
// n8n_config.json files operators already have.
type fileConfig struct {
	WebhookURLs    map[string]string `json:"webhook_urls"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	LastUpdated    string            `json:"last_updated"`
}

// ConfigStore is a file-backed registry of webhook URLs. The n8n base URL is
// an ngrok tunnel in practice, so it changes; POST /api/n8n/config rewrites
// all four URLs from a new base in one step.
type ConfigStore struct {
	mu   sync.Mutex
	path string
	log  logx.Logger

	urls        map[WebhookType]string
	timeout     time.Duration
	lastUpdated string
}

func NewConfigStore(path string, log logx.Logger) *ConfigStore {
	return &ConfigStore{
		path: path,
		log:  log,
		urls: map[WebhookType]string{},
	}
}

// Load reads the config file. A missing file is not an error: the store stays
// empty until the operator posts a base URL.
func (s *ConfigStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *ConfigStore) loadLocked() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.log.Warn("webhook config file not found; waiting for operator update", logx.String("path", s.path))
			return nil
		}
		return err
	}

	var fc fileConfig
	if err := json.Unmarshal(b, &fc); err != nil {
		return fmt.Errorf("parse %s: %w", s.path, err)
	}

	urls := make(map[WebhookType]string, len(fc.WebhookURLs))
	for k, v := range fc.WebhookURLs {
		if strings.TrimSpace(v) != "" {
			urls[WebhookType(k)] = v
		}
	}
	s.urls = urls
	if fc.TimeoutSeconds > 0 {
		s.timeout = time.Duration(fc.TimeoutSeconds) * time.Second
	}
	s.lastUpdated = fc.LastUpdated

	s.log.Info("webhook config loaded",
		logx.String("path", s.path),
		logx.Int("urls", len(urls)),
		logx.String("last_updated", s.lastUpdated))
	return nil
}

// URL returns the configured URL for a webhook type.
func (s *ConfigStore) URL(t WebhookType) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.urls[t]
	return u, ok
}

// URLs returns a copy of all configured URLs keyed by type string.
func (s *ConfigStore) URLs() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.urls))
	for k, v := range s.urls {
		out[string(k)] = v
	}
	return out
}

// Timeout returns the dispatch timeout from the file, or def when unset.
func (s *ConfigStore) Timeout(def time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timeout > 0 {
		return s.timeout
	}
	return def
}

func (s *ConfigStore) LastUpdated() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUpdated
}

// UpdateFromBase regenerates all webhook URLs from one base URL, persists the
// file, and reloads. The four flows always move together: a new tunnel means
// every URL changed.
func (s *ConfigStore) UpdateFromBase(base string) error {
	base = strings.TrimSpace(base)
	base = strings.TrimRight(base, "/")
	if base == "" {
		return errors.New("base url is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	urls := make(map[string]string, len(webhookPaths))
	for t, suffix := range webhookPaths {
		urls[string(t)] = base + suffix
	}

	timeoutSec := int(s.timeout / time.Second)
	if timeoutSec <= 0 {
		timeoutSec = 30
	}
	fc := fileConfig{
		WebhookURLs:    urls,
		TimeoutSeconds: timeoutSec,
		LastUpdated:    time.Now().Format("2006-01-02 15:04:05"),
	}

	if err := s.saveLocked(fc); err != nil {
		return err
	}
	return s.loadLocked()
}

func (s *ConfigStore) saveLocked(fc fileConfig) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, b, 0o644)
}
