package schema

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
)

// Action is a tracked unit of response work dispatched against a threat.
type Action struct {
	ID         string       `json:"id" validate:"required,max=128"`
	ThreatID   string       `json:"threat_id" validate:"required,max=128"`
	ActionType ActionType   `json:"action_type" validate:"required,oneof=block_ip quarantine restart_service kill_process custom"`
	Params     ActionParams `json:"parameters"`
	Timestamp  time.Time    `json:"timestamp" validate:"required"`
	Status     ActionStatus `json:"status" validate:"required,oneof=pending in_progress completed failed"`
	Result     ActionResult `json:"result,omitempty"`
}

// Clone returns a copy that shares no slices or maps with a. Result values
// are copied one level deep.
func (a Action) Clone() Action {
	c := a
	c.Params = a.Params.Clone()
	c.Result = maps.Clone(a.Result)
	return c
}

// ErrStatusRegression is returned when a status write would move a record
// backwards in its lifecycle.
var ErrStatusRegression = errors.New("schema: status regression")

// ActionRequest asks the orchestrator to execute an action for a threat.
type ActionRequest struct {
	ThreatID   string       `json:"threat_id" validate:"required,max=128"`
	ActionType ActionType   `json:"action_type" validate:"required,oneof=block_ip quarantine restart_service kill_process custom"`
	Params     ActionParams `json:"parameters"`
}

// ActionResult is the structured outcome returned by an action handler.
type ActionResult map[string]any

// ErrorResult builds the result recorded for a failed action.
func ErrorResult(err error) ActionResult {
	return ActionResult{"error": err.Error()}
}

// Failed reports whether the result carries an error payload.
func (r ActionResult) Failed() bool {
	_, ok := r["error"]
	return ok
}

// ActionType identifies the kind of mitigation.
type ActionType string

const (
	ActionBlockIP        ActionType = "block_ip"
	ActionQuarantine     ActionType = "quarantine"
	ActionRestartService ActionType = "restart_service"
	ActionKillProcess    ActionType = "kill_process"
	ActionCustom         ActionType = "custom"
)

// ActionTypes lists every action type in a stable order.
var ActionTypes = []ActionType{
	ActionBlockIP,
	ActionQuarantine,
	ActionRestartService,
	ActionKillProcess,
	ActionCustom,
}

// IsValid checks if the action type is a valid value.
func (a ActionType) IsValid() bool {
	switch a {
	case ActionBlockIP, ActionQuarantine, ActionRestartService, ActionKillProcess, ActionCustom:
		return true
	}
	return false
}

// ParseActionType lower-cases s and validates it.
func ParseActionType(s string) (ActionType, error) {
	v := ActionType(strings.ToLower(strings.TrimSpace(s)))
	if !v.IsValid() {
		return "", fmt.Errorf("invalid action type: %q", s)
	}
	return v, nil
}

// Contains reports whether executing this action type contains the threat.
func (a ActionType) Contains() bool {
	return a == ActionBlockIP || a == ActionQuarantine
}

// ActionStatus is the lifecycle status of an action.
type ActionStatus string

const (
	ActionPending    ActionStatus = "pending"
	ActionInProgress ActionStatus = "in_progress"
	ActionCompleted  ActionStatus = "completed"
	ActionFailed     ActionStatus = "failed"
)

// IsValid checks if the status is a valid value.
func (s ActionStatus) IsValid() bool {
	switch s {
	case ActionPending, ActionInProgress, ActionCompleted, ActionFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s ActionStatus) Terminal() bool {
	return s == ActionCompleted || s == ActionFailed
}

// CanTransition reports whether an action may move from s to next.
// pending -> in_progress -> completed|failed; a repeated write of the same
// status is a no-op and allowed.
func (s ActionStatus) CanTransition(next ActionStatus) bool {
	if s == next {
		return s.IsValid()
	}
	switch s {
	case ActionPending:
		return next == ActionInProgress
	case ActionInProgress:
		return next == ActionCompleted || next == ActionFailed
	}
	return false
}
