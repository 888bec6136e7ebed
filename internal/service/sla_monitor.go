package service

import (
	"context"
	"sync"
	"time"

	"github.com/procurata/be-approval-workflows/internal/logger"
)

// SLAMonitor periodically assesses open instances and publishes a
// notification for each newly breached step. It never mutates instances.
type SLAMonitor struct {
	service  *ApprovalService
	notifier Notifier
	log      *logger.Logger
	interval time.Duration

	mu       sync.Mutex
	notified map[string]struct{} // instance step IDs already reported
}

// NewSLAMonitor creates a monitor that checks every interval.
func NewSLAMonitor(service *ApprovalService, notifier Notifier, log *logger.Logger, interval time.Duration) *SLAMonitor {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &SLAMonitor{
		service:  service,
		notifier: notifier,
		log:      log,
		interval: interval,
		notified: make(map[string]struct{}),
	}
}

// Run blocks until ctx is cancelled, checking on every tick.
func (m *SLAMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.Info().Dur("interval", m.interval).Msg("SLA monitor started")

	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("SLA monitor stopped")
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

// check runs one assessment pass; failures are logged and retried next tick.
func (m *SLAMonitor) check(ctx context.Context) {
	breaches, err := m.service.ListBreaches(ctx, time.Now(), false)
	if err != nil {
		m.log.Error().Err(err).Msg("SLA check failed")
		return
	}

	for _, breach := range breaches {
		if m.alreadyNotified(breach.Step.ID) {
			continue
		}

		m.log.Warn().
			Str("instance_id", breach.Instance.ID).
			Str("step_id", breach.Step.ID).
			Int("step_order", breach.Step.StepOrder).
			Float64("elapsed_hours", breach.ElapsedHours).
			Float64("sla_hours", breach.Step.SLAHours).
			Msg("SLA breached")

		m.notifier.PublishApprovalEvent(ctx, EventSLABreached, breach.Instance, "", map[string]interface{}{
			"step_order":    breach.Step.StepOrder,
			"sla_hours":     breach.Step.SLAHours,
			"elapsed_hours": breach.ElapsedHours,
		})
		m.markNotified(breach.Step.ID)
	}
}

func (m *SLAMonitor) alreadyNotified(stepID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.notified[stepID]
	return ok
}

func (m *SLAMonitor) markNotified(stepID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notified[stepID] = struct{}{}
}
