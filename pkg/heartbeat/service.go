// WitBot - Messenger bridge for action-dispatch bots
// License: MIT
//
// Copyright (c) 2026 WitBot contributors

package heartbeat

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"

	"github.com/zhaopengme/witbot/pkg/bus"
	"github.com/zhaopengme/witbot/pkg/logger"
)

const DefaultSchedule = "*/5 * * * *"

// SessionCounter reports how many sessions are live.
type SessionCounter interface {
	Count() int
}

// Snapshot is what one heartbeat reports.
type Snapshot struct {
	Sessions  int
	Completed uint64
	Failed    uint64
	Dropped   uint64
}

// HeartbeatService periodically logs session and turn counters on a cron
// schedule. Turn outcomes are counted from the event bus.
type HeartbeatService struct {
	schedule string
	enabled  bool
	sessions SessionCounter
	dropped  func() uint64

	completed atomic.Uint64
	failed    atomic.Uint64

	mu       sync.Mutex
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewHeartbeatService(schedule string, enabled bool, sessions SessionCounter) (*HeartbeatService, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	gx := gronx.New()
	if !gx.IsValid(schedule) {
		return nil, fmt.Errorf("invalid heartbeat schedule %q", schedule)
	}
	return &HeartbeatService{
		schedule: schedule,
		enabled:  enabled,
		sessions: sessions,
	}, nil
}

// SetDroppedCounter lets the heartbeat report events the bus had to drop.
func (hs *HeartbeatService) SetDroppedCounter(fn func() uint64) {
	hs.dropped = fn
}

// Start begins counting events and ticking. It is a no-op when disabled or
// already running.
func (hs *HeartbeatService) Start(events <-chan bus.TurnEvent) error {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	if !hs.enabled {
		logger.InfoC("heartbeat", "Heartbeat disabled")
		return nil
	}
	if hs.stopChan != nil {
		return nil
	}

	next, err := gronx.NextTickAfter(hs.schedule, time.Now(), false)
	if err != nil {
		return fmt.Errorf("computing next heartbeat: %w", err)
	}

	hs.stopChan = make(chan struct{})
	hs.wg.Add(2)
	go hs.countLoop(events, hs.stopChan)
	go hs.runLoop(next, hs.stopChan)

	logger.InfoCF("heartbeat", "Heartbeat service started",
		map[string]interface{}{
			"schedule": hs.schedule,
			"next":     next.Format(time.RFC3339),
		})
	return nil
}

func (hs *HeartbeatService) Stop() {
	hs.mu.Lock()
	if hs.stopChan == nil {
		hs.mu.Unlock()
		return
	}
	close(hs.stopChan)
	hs.stopChan = nil
	hs.mu.Unlock()

	hs.wg.Wait()
	logger.InfoC("heartbeat", "Heartbeat service stopped")
}

func (hs *HeartbeatService) IsRunning() bool {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.stopChan != nil
}

func (hs *HeartbeatService) countLoop(events <-chan bus.TurnEvent, stop <-chan struct{}) {
	defer hs.wg.Done()
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			hs.observe(ev)
		}
	}
}

func (hs *HeartbeatService) runLoop(next time.Time, stop <-chan struct{}) {
	defer hs.wg.Done()
	for {
		timer := time.NewTimer(time.Until(next))
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
			hs.executeHeartbeat()
		}

		var err error
		next, err = gronx.NextTickAfter(hs.schedule, time.Now(), false)
		if err != nil {
			logger.ErrorCF("heartbeat", "Cannot schedule next heartbeat",
				map[string]interface{}{
					"error": err.Error(),
				})
			return
		}
	}
}

func (hs *HeartbeatService) observe(ev bus.TurnEvent) {
	switch ev.State {
	case "completed":
		hs.completed.Add(1)
	case "failed":
		hs.failed.Add(1)
	}
}

func (hs *HeartbeatService) Snapshot() Snapshot {
	s := Snapshot{
		Completed: hs.completed.Load(),
		Failed:    hs.failed.Load(),
	}
	if hs.sessions != nil {
		s.Sessions = hs.sessions.Count()
	}
	if hs.dropped != nil {
		s.Dropped = hs.dropped()
	}
	return s
}

func (hs *HeartbeatService) executeHeartbeat() Snapshot {
	s := hs.Snapshot()
	logger.InfoCF("heartbeat", "Heartbeat",
		map[string]interface{}{
			"sessions":        s.Sessions,
			"turns_completed": s.Completed,
			"turns_failed":    s.Failed,
			"events_dropped":  s.Dropped,
		})
	return s
}
