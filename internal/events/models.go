package events

import (
	api "github.com/testfleet/orchestrator/api/v1alpha1"
)

// JobChangedAction describes what happened to the job carried by a
// JobChangedEvent.
type JobChangedAction string

const (
	JobActionCreated   JobChangedAction = "CREATED"
	JobActionUpdated   JobChangedAction = "UPDATED"
	JobActionCancelled JobChangedAction = "CANCELLED"
)

// JobChangedEvent is published on every job state transition. Delivery is
// at-most-once per subscriber; there is no replay.
type JobChangedEvent struct {
	Job    api.Job          `json:"job"`
	Action JobChangedAction `json:"action"`
}
