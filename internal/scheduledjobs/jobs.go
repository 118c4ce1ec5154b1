// Package scheduledjobs is the reference scheduled-job input channel:
// operator-declared jobs.yaml entries, each firing a fixed-interval
// message into a channel through the same internal/dispatch.Manager
// every other input channel uses. A scheduled job is not special to
// the Channel Manager — it looks exactly like any other caller of
// Send, just triggered by a timer instead of an HTTP request or a
// chat-bot poll.
//
// Grounded on internal/events/engine.go: LoadRules's "read every YAML
// file in a directory, tolerate a missing directory" loader shape and
// RenderTemplate's {field} substitution are reused verbatim in spirit,
// generalized from event-condition matching to fixed-interval firing.
package scheduledjobs

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dayuer/relaymux/internal/dispatch"
	"github.com/dayuer/relaymux/internal/monitor"
	"github.com/dayuer/relaymux/internal/wire"
)

// JobSpec declares one scheduled job (from jobs.yaml).
type JobSpec struct {
	Name     string            `yaml:"name"`
	Channel  string            `yaml:"channel"`
	Every    string            `yaml:"every"`
	Template string            `yaml:"template"`
	Vars     map[string]string `yaml:"vars,omitempty"`
	Enabled  *bool             `yaml:"enabled,omitempty"`
}

// IsEnabled reports whether the job runs (default true).
func (j JobSpec) IsEnabled() bool {
	return j.Enabled == nil || *j.Enabled
}

// LoadJobs reads every *.yaml/*.yml file in dir and returns the
// combined job list. A missing directory means no scheduled jobs are
// configured, not an error.
func LoadJobs(dir string) ([]JobSpec, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs dir: %w", err)
	}

	var jobs []JobSpec
	for _, entry := range entries {
		if entry.IsDir() || (!strings.HasSuffix(entry.Name(), ".yaml") && !strings.HasSuffix(entry.Name(), ".yml")) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("[scheduledjobs] failed to read %s: %v", path, err)
			continue
		}
		var fileJobs []JobSpec
		if err := yaml.Unmarshal(data, &fileJobs); err != nil {
			log.Printf("[scheduledjobs] failed to parse %s: %v", path, err)
			continue
		}
		jobs = append(jobs, fileJobs...)
	}
	return jobs, nil
}

var templatePattern = regexp.MustCompile(`\{([^}]+)\}`)

// renderTemplate substitutes {key} with vars[key], leaving unmatched
// placeholders untouched.
func renderTemplate(template string, vars map[string]string) string {
	return templatePattern.ReplaceAllStringFunc(template, func(match string) string {
		key := match[1 : len(match)-1]
		if v, ok := vars[key]; ok {
			return v
		}
		return match
	})
}

// Scheduler runs one goroutine per enabled job, sending its rendered
// content through Manager.Send every Every interval, until Stop is
// called or the runner's context is canceled.
type Scheduler struct {
	manager *dispatch.Manager
	hub     *monitor.Hub

	mu      sync.Mutex
	cancels []context.CancelFunc
}

// NewScheduler builds a Scheduler bound to manager. hub may be nil, in
// which case scheduled sends are dispatched exactly as before but
// nothing is published to the operator dashboard feed.
func NewScheduler(manager *dispatch.Manager, hub *monitor.Hub) *Scheduler {
	return &Scheduler{manager: manager, hub: hub}
}

// Start launches one ticking goroutine per enabled job in jobs. Jobs
// with an unparseable Every interval are skipped with a log line
// rather than aborting the whole batch.
func (s *Scheduler) Start(ctx context.Context, jobs []JobSpec) {
	for _, job := range jobs {
		if !job.IsEnabled() {
			continue
		}
		interval, err := time.ParseDuration(job.Every)
		if err != nil {
			log.Printf("[scheduledjobs] job %q has invalid interval %q: %v", job.Name, job.Every, err)
			continue
		}

		jobCtx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.cancels = append(s.cancels, cancel)
		s.mu.Unlock()

		go s.run(jobCtx, job, interval)
	}
}

func (s *Scheduler) run(ctx context.Context, job JobSpec, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			content := renderTemplate(job.Template, job.Vars)
			sendCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
			res, err := s.manager.Send(sendCtx, job.Channel, wire.PlainText(content), nil, s.onEventFor(job.Channel))
			cancel()
			if err != nil {
				log.Printf("[scheduledjobs] job %q dispatch failed: %v", job.Name, err)
				continue
			}
			if s.hub != nil {
				s.hub.Publish(monitor.Event{
					Type:       "result",
					Channel:    job.Channel,
					Time:       time.Now(),
					Text:       res.Text,
					DurationMS: res.DurationMS,
					IsError:    res.IsError,
					Coalesced:  res.Coalesced,
				})
			}
		}
	}
}

// onEventFor mirrors one job's streamed intermediate events to the
// monitor feed, the same way internal/httpadapter does for HTTP-driven
// sends. Nil when no Hub was configured.
func (s *Scheduler) onEventFor(channel string) dispatch.EventCallback {
	if s.hub == nil {
		return nil
	}
	return func(ev wire.EventFrame) {
		s.hub.Publish(monitor.Event{
			Type:    "event",
			Channel: channel,
			Time:    time.Now(),
			Text:    fmt.Sprint(ev.Payload),
		})
	}
}

// Stop cancels every running job goroutine.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
}
