// Package doctor repairs state left behind by runs that never reached
// ConversationClosed: history rows that stay open forever and staged upload
// archives nobody will fetch again.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/taskassist/featuredev/internal/events"
	"github.com/taskassist/featuredev/internal/store"
)

const (
	defaultHeartbeatInterval = 5 * time.Minute
	defaultStaleAfter        = time.Hour
)

// HistoryStore is the subset of the history store the doctor repairs.
type HistoryStore interface {
	OpenConversations(ctx context.Context, startedBefore time.Time) ([]store.Conversation, error)
	MarkAbandoned(ctx context.Context, conversationID string, at time.Time) error
}

// StagedEntry is one top-level entry of the staging area.
type StagedEntry struct {
	Name    string
	ModTime time.Time
}

// StagingArea lists and removes staged uploads.
type StagingArea interface {
	Entries(ctx context.Context) ([]StagedEntry, error)
	Remove(ctx context.Context, name string) error
}

// EventBus publishes health events.
type EventBus interface {
	Publish(event events.Event)
}

// Config controls heartbeat cadence and the age after which work is stale.
// A non-empty Schedule replaces the fixed heartbeat.
type Config struct {
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	Schedule          string
}

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a five-field cron expression or a descriptor such as
// "@hourly" or "@every 10m".
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := scheduleParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid doctor schedule %q: %w", expr, err)
	}
	return sched, nil
}

// HealthReport is emitted on every pass.
type HealthReport struct {
	OpenConversations      int       `json:"open_conversations"`
	AbandonedConversations int       `json:"abandoned_conversations"`
	StaleUploads           int       `json:"stale_uploads"`
	Heartbeat              time.Time `json:"heartbeat"`
}

// Manager runs repair passes on demand or on a ticker.
type Manager struct {
	history           HistoryStore
	staging           StagingArea
	bus               EventBus
	heartbeatInterval time.Duration
	staleAfter        time.Duration
	schedule          cron.Schedule
	now               func() time.Time
	newTicker         func(time.Duration) *time.Ticker
}

// NewManager builds a Manager. A nil staging area skips upload cleanup.
func NewManager(history HistoryStore, staging StagingArea, bus EventBus, cfg Config) (*Manager, error) {
	if history == nil {
		return nil, errors.New("history store is required")
	}
	if bus == nil {
		return nil, errors.New("event bus is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	var sched cron.Schedule
	if cfg.Schedule != "" {
		parsed, err := ParseSchedule(cfg.Schedule)
		if err != nil {
			return nil, err
		}
		sched = parsed
	}
	return &Manager{
		history:           history,
		staging:           staging,
		bus:               bus,
		heartbeatInterval: cfg.HeartbeatInterval,
		staleAfter:        cfg.StaleAfter,
		schedule:          sched,
		now:               time.Now,
		newTicker:         time.NewTicker,
	}, nil
}

// Start runs a pass on every heartbeat, or at every schedule activation when
// one is configured, until ctx is cancelled. Failed passes are reported as
// system alerts.
func (m *Manager) Start(ctx context.Context) {
	if m == nil {
		return
	}
	if m.schedule != nil {
		m.startScheduled(ctx)
		return
	}
	ticker := m.newTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runAndAlert(ctx)
		}
	}
}

func (m *Manager) startScheduled(ctx context.Context) {
	for {
		now := m.now()
		timer := time.NewTimer(m.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			m.runAndAlert(ctx)
		}
	}
}

func (m *Manager) runAndAlert(ctx context.Context) {
	if _, err := m.RunOnce(ctx); err != nil {
		m.bus.Publish(events.Event{
			Type:       events.EventTypeSystemAlert,
			Timestamp:  m.now().UTC(),
			EntityType: events.EntityHealth,
			EntityID:   "doctor",
			Payload:    events.AlertPayload{Source: "doctor", Message: err.Error()},
			Severity:   events.SeverityError,
		})
	}
}

// RunOnce abandons conversations that started before the stale cutoff and
// never closed, then removes staged uploads older than the cutoff.
func (m *Manager) RunOnce(ctx context.Context) (HealthReport, error) {
	if m == nil {
		return HealthReport{}, errors.New("doctor manager is nil")
	}

	now := m.now().UTC()
	cutoff := now.Add(-m.staleAfter)
	report := HealthReport{Heartbeat: now}

	open, err := m.history.OpenConversations(ctx, cutoff)
	if err != nil {
		return HealthReport{}, fmt.Errorf("list open conversations: %w", err)
	}
	report.OpenConversations = len(open)

	for _, conversation := range open {
		if err := m.history.MarkAbandoned(ctx, conversation.ID, now); err != nil {
			// Closed by its own session between the list and the update.
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return HealthReport{}, fmt.Errorf("abandon conversation %s: %w", conversation.ID, err)
		}
		report.AbandonedConversations++
	}

	stale, err := m.removeStaleUploads(ctx, cutoff)
	if err != nil {
		return HealthReport{}, err
	}
	report.StaleUploads = stale

	severity := events.SeverityInfo
	if report.AbandonedConversations > 0 || report.StaleUploads > 0 {
		severity = events.SeverityWarn
	}
	m.bus.Publish(events.Event{
		Type:       events.EventTypeHealthCheck,
		Timestamp:  now,
		EntityType: events.EntityHealth,
		EntityID:   "doctor",
		Payload: events.HealthCheckPayload{
			OpenConversations:      report.OpenConversations,
			AbandonedConversations: report.AbandonedConversations,
			StaleUploads:           report.StaleUploads,
			Heartbeat:              now,
		},
		Severity: severity,
	})

	return report, nil
}

func (m *Manager) removeStaleUploads(ctx context.Context, cutoff time.Time) (int, error) {
	if m.staging == nil {
		return 0, nil
	}
	entries, err := m.staging.Entries(ctx)
	if err != nil {
		return 0, fmt.Errorf("list staged uploads: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if !entry.ModTime.Before(cutoff) {
			continue
		}
		if err := m.staging.Remove(ctx, entry.Name); err != nil {
			return 0, fmt.Errorf("remove staged upload %s: %w", entry.Name, err)
		}
		removed++
	}
	return removed, nil
}

// DirStaging is a StagingArea over a directory holding one subdirectory per
// conversation.
type DirStaging struct {
	Root string
}

// Entries lists the staging root. A missing root has no entries.
func (d DirStaging) Entries(ctx context.Context) ([]StagedEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(d.Root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]StagedEntry, 0, len(dirEntries))
	for _, entry := range dirEntries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, StagedEntry{Name: entry.Name(), ModTime: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Remove deletes one entry of the staging root.
func (d DirStaging) Remove(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return fmt.Errorf("invalid staging entry %q", name)
	}
	return os.RemoveAll(filepath.Join(d.Root, name))
}
