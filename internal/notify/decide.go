// Package notify decides whether a finished run is announced and delivers
// the announcement.
package notify

import (
	"github.com/mattjoyce/gantry/internal/pipeline"
	"github.com/mattjoyce/gantry/internal/runner"
)

// Decide picks the notification event for a run that ended with status and
// whether policy suppresses it. previous is the status of the prior run on
// the same branch, empty when there is none. The decision never alters
// status.
func Decide(policy pipeline.NotificationPolicy, status, previous runner.Status) (event runner.Status, suppressed bool) {
	defaults := pipeline.DefaultNotificationPolicy()

	event = runner.StatusFailure
	when := policy.OnFailure
	if !when.Valid() {
		when = defaults.OnFailure
	}
	if status == runner.StatusSuccess {
		event = runner.StatusSuccess
		when = policy.OnSuccess
		if !when.Valid() {
			when = defaults.OnSuccess
		}
	}

	switch when {
	case pipeline.NotifyNever:
		return event, true
	case pipeline.NotifyChange:
		return event, previous != "" && normalize(previous) == event
	default:
		return event, false
	}
}

func normalize(s runner.Status) runner.Status {
	if s == runner.StatusSuccess {
		return runner.StatusSuccess
	}
	return runner.StatusFailure
}
