// Package alerting runs scheduled health checks over the trading state and
// maintains at most one active alert per (check, subject) pair. Findings
// raise alerts; a later run without the finding auto-resolves them. Every
// transition is written to the audit log.
package alerting

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/anchortrade/rebalance-backend/internal/audit"
	"github.com/anchortrade/rebalance-backend/internal/ports"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Severity classifies how urgent an alert is.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Finding is one problem a check found on one subject.
type Finding struct {
	Subject  string
	Message  string
	Severity Severity
}

// Check inspects one aspect of the system.
type Check interface {
	Name() string
	Run(ctx context.Context) ([]Finding, error)
}

// Alert is one raised condition.
type Alert struct {
	ID         string    `json:"id"`
	Check      string    `json:"check"`
	Subject    string    `json:"subject"`
	Severity   Severity  `json:"severity"`
	Message    string    `json:"message"`
	RaisedAt   time.Time `json:"raised_at"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
	Active     bool      `json:"active"`
}

// Config controls the check cadence.
type Config struct {
	// Schedule is a cron expression; "@every 1m" by default.
	Schedule string
}

// DefaultConfig runs checks every minute.
func DefaultConfig() Config {
	return Config{Schedule: "@every 1m"}
}

// Manager schedules checks and tracks alert state.
type Manager struct {
	logger *zap.Logger
	cfg    Config
	sink   audit.Sink
	clock  ports.Clock

	mu       sync.Mutex
	checks   []Check
	active   map[string]*Alert // key: check + subject
	history  []Alert
	notifier func(Alert)

	cron *cron.Cron
}

// NewManager creates an empty alert manager.
func NewManager(logger *zap.Logger, cfg Config, sink audit.Sink, clock ports.Clock) *Manager {
	return &Manager{
		logger: logger.Named("alerting"),
		cfg:    cfg,
		sink:   sink,
		clock:  clock,
		active: make(map[string]*Alert),
	}
}

// Register adds a check. Register before Start.
func (m *Manager) Register(check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks = append(m.checks, check)
}

// Notify installs a callback invoked on every raise and resolve, after the
// audit event is written. The callback runs under the manager's lock and
// must not call back into it. Set before Start.
func (m *Manager) Notify(fn func(Alert)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifier = fn
}

// Start schedules the checks.
func (m *Manager) Start() error {
	m.cron = cron.New()
	_, err := m.cron.AddFunc(m.cfg.Schedule, func() {
		m.RunChecks(context.Background())
	})
	if err != nil {
		return fmt.Errorf("schedule alert checks: %w", err)
	}
	m.cron.Start()
	m.logger.Info("alerting started", zap.String("schedule", m.cfg.Schedule))
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (m *Manager) Stop() {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
}

// RunChecks executes every registered check once and reconciles alert state.
func (m *Manager) RunChecks(ctx context.Context) {
	m.mu.Lock()
	checks := make([]Check, len(m.checks))
	copy(checks, m.checks)
	m.mu.Unlock()

	for _, check := range checks {
		findings, err := check.Run(ctx)
		if err != nil {
			m.logger.Warn("alert check failed",
				zap.String("check", check.Name()),
				zap.Error(err),
			)
			continue
		}
		m.reconcile(check.Name(), findings)
	}
}

func alertKey(check, subject string) string { return check + "\x00" + subject }

// reconcile raises alerts for new findings and resolves alerts whose finding
// has cleared.
func (m *Manager) reconcile(check string, findings []Finding) {
	now := m.clock.Now()
	seen := make(map[string]struct{}, len(findings))

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, f := range findings {
		key := alertKey(check, f.Subject)
		seen[key] = struct{}{}
		if _, raised := m.active[key]; raised {
			continue
		}
		severity := f.Severity
		if severity == "" {
			severity = SeverityWarning
		}
		alert := &Alert{
			ID:       uuid.NewString(),
			Check:    check,
			Subject:  f.Subject,
			Severity: severity,
			Message:  f.Message,
			RaisedAt: now,
			Active:   true,
		}
		m.active[key] = alert
		m.emit(audit.EventAlertRaised, alert)
		m.logger.Warn("alert raised",
			zap.String("check", check),
			zap.String("subject", f.Subject),
			zap.String("severity", string(severity)),
			zap.String("message", f.Message),
		)
	}

	for key, alert := range m.active {
		if alert.Check != check {
			continue
		}
		if _, still := seen[key]; still {
			continue
		}
		alert.Active = false
		alert.ResolvedAt = now
		m.history = append(m.history, *alert)
		delete(m.active, key)
		m.emit(audit.EventAlertResolved, alert)
		m.logger.Info("alert resolved",
			zap.String("check", alert.Check),
			zap.String("subject", alert.Subject),
		)
	}
}

func (m *Manager) emit(eventType string, alert *Alert) {
	rec := audit.NewRecorder(m.sink, m.clock.Now, "alerting", audit.Scope{})
	rec.Emit(eventType, alert)
	if m.notifier != nil {
		m.notifier(*alert)
	}
}

// Active returns the currently raised alerts, ordered by subject.
func (m *Manager) Active() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.active))
	for _, alert := range m.active {
		out = append(out, *alert)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Check != out[j].Check {
			return out[i].Check < out[j].Check
		}
		return out[i].Subject < out[j].Subject
	})
	return out
}

// History returns resolved alerts, oldest first.
func (m *Manager) History() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.history))
	copy(out, m.history)
	return out
}
