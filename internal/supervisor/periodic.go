package supervisor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/odinstream/fanout/internal/logging"
	"github.com/odinstream/fanout/internal/message"
	"github.com/odinstream/fanout/internal/metrics"
)

// queueSender satisfies offlinequeue.Sender by composing Dispatcher (which
// already has the right SendToUser shape) with Supervisor.IsSubscribed
// (which needs both Registry and ChannelIndex, so only Supervisor can
// provide it).
type queueSender struct {
	s *Supervisor
}

func (q queueSender) SendToUser(userID, channelID, msgType string, payload json.RawMessage, meta message.Metadata) int {
	return q.s.dispatcher.SendToUser(userID, channelID, msgType, payload, meta)
}

func (q queueSender) IsSubscribed(userID, channelID string) bool {
	return q.s.IsSubscribed(userID, channelID)
}

// startPeriodicTasks launches every independently panic-contained periodic
// task named in SPEC_FULL.md §4.5. Each runs in its own goroutine so a panic
// recovered in one never stops the others.
func (s *Supervisor) startPeriodicTasks(ctx context.Context) {
	s.runTask(ctx, "inactivity_sweep", s.cfg.InactivitySweepInterval, s.sweepInactive)

	if s.queue != nil {
		sender := queueSender{s: s}
		hasLive := func(userID string) bool { return s.registry.HasLiveConnection(userID) }

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for ctx.Err() == nil {
				func() {
					defer logging.RecoverPanic(s.logger, "offline_queue", nil)
					s.queue.Run(ctx, sender, hasLive, s.cfg.QueueInterval, s.cfg.QueueCleanup, s.cfg.QueueBatchSize)
				}()
			}
		}()
	}

	if s.sampler != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for ctx.Err() == nil {
				func() {
					defer logging.RecoverPanic(s.logger, "metrics_snapshot", nil)
					s.sampler.Run(ctx, s.cfg.MetricsInterval, func(cpuPct float64, memBytes uint64) {
						metrics.CPUUsagePercent.Set(cpuPct)
						metrics.MemoryUsageBytes.Set(float64(memBytes))
					})
				}()
			}
		}()
	}
}

// runTask runs fn on a fixed ticker, recovering and logging any panic so the
// task resumes on its next tick instead of taking the process down.
func (s *Supervisor) runTask(ctx context.Context, name string, interval time.Duration, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runOnce(name, fn)
			}
		}
	}()
}

func (s *Supervisor) runOnce(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PeriodicTaskPanics.WithLabelValues(name).Inc()
			s.logger.Error().Interface("panic", r).Str("task", name).Msg("recovered panic in periodic task")
		}
	}()
	fn()
}

func (s *Supervisor) sweepInactive() {
	swept := s.registry.SweepInactive(s.cfg.InactivityThreshold)
	if swept > 0 {
		s.logger.Debug().Int("count", swept).Msg("swept inactive connections")
	}
}
