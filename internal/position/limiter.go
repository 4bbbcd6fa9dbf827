// limiter.go throttles repeat alerts and notices recoveries. State is keyed
// by issue identity (rule, asset, direction) and lives only in memory; a
// restart re-alerts, which is the acceptable failure mode here.
package position

import (
	"sort"
	"time"

	"futures-monitor/pkg/types"
)

type alertState struct {
	lastIssue       types.ValidationIssue
	firstDetectedAt time.Time
	lastSentAt      time.Time
	notifyRecovery  bool
}

// Limiter applies per-issue cooldowns and emits recovery events.
type Limiter struct {
	floor  time.Duration // minimum effective cooldown, 0 = none
	states map[string]*alertState
}

// NewLimiter creates a limiter. floor sets a lower bound on every issue's
// cooldown regardless of its configured cooldownMinutes.
func NewLimiter(floor time.Duration) *Limiter {
	return &Limiter{
		floor:  floor,
		states: make(map[string]*alertState),
	}
}

// Process folds one tick's issues into the alert state and returns the
// events to publish: alerts in input order, then recoveries in key order.
//
//   - A never-seen issue alerts immediately (repeat=false).
//   - A persisting issue re-alerts only after its cooldown elapsed
//     (repeat=true); otherwise it is suppressed.
//   - An issue absent this tick drops its state, emitting a recovery first
//     when it asked for one.
func (l *Limiter) Process(issues []types.ValidationIssue, now time.Time) []types.AlertEvent {
	var events []types.AlertEvent
	present := make(map[string]bool, len(issues))

	for _, issue := range issues {
		id := issue.Identity()
		present[id] = true

		st, ok := l.states[id]
		if !ok {
			st = &alertState{
				lastIssue:       issue,
				firstDetectedAt: now,
				lastSentAt:      now,
				notifyRecovery:  issue.NotifyRecovery,
			}
			l.states[id] = st
			events = append(events, types.AlertEvent{
				Type:            types.AlertEventAlert,
				Issue:           issue,
				Repeat:          false,
				FirstDetectedAt: now,
				TriggeredAt:     now,
			})
			continue
		}

		st.lastIssue = issue
		st.notifyRecovery = issue.NotifyRecovery

		cooldown := time.Duration(issue.CooldownMinutes) * time.Minute
		if cooldown < l.floor {
			cooldown = l.floor
		}
		if now.Sub(st.lastSentAt) >= cooldown {
			st.lastSentAt = now
			events = append(events, types.AlertEvent{
				Type:            types.AlertEventAlert,
				Issue:           issue,
				Repeat:          true,
				FirstDetectedAt: st.firstDetectedAt,
				TriggeredAt:     now,
			})
		}
	}

	var gone []string
	for id := range l.states {
		if !present[id] {
			gone = append(gone, id)
		}
	}
	sort.Strings(gone)

	for _, id := range gone {
		st := l.states[id]
		if st.notifyRecovery {
			events = append(events, types.AlertEvent{
				Type:            types.AlertEventRecovery,
				Issue:           st.lastIssue,
				FirstDetectedAt: st.firstDetectedAt,
				TriggeredAt:     now,
			})
		}
		delete(l.states, id)
	}

	return events
}

// Active reports how many issues currently hold alert state.
func (l *Limiter) Active() int {
	return len(l.states)
}
