package model

import (
	"errors"
	"fmt"
	"time"
)

// ActionState action execution state
type ActionState string

const (
	ActionStatePending    ActionState = "PENDING"    // Waiting for a worker, also the hardware retry landing state
	ActionStateStarting   ActionState = "STARTING"   // Pulling and creating the container
	ActionStateProcessing ActionState = "PROCESSING" // Container running
	ActionStateStopping   ActionState = "STOPPING"   // Container exited, classifying and uploading
	ActionStateDone       ActionState = "DONE"       // Completed successfully
	ActionStateFailed     ActionState = "FAILED"     // Failed, terminal
)

// ArtifactState artifact upload state
type ArtifactState string

const (
	ArtifactStateNone      ArtifactState = "NONE"
	ArtifactStateUploading ArtifactState = "UPLOADING"
	ArtifactStateUploaded  ArtifactState = "UPLOADED"
	ArtifactStateError     ArtifactState = "ERROR"
)

// ErrInvalidTransition is returned when a state change is not allowed.
var ErrInvalidTransition = errors.New("invalid action state transition")

var actionTransitions = map[ActionState][]ActionState{
	ActionStatePending:    {ActionStateStarting, ActionStateFailed},
	ActionStateStarting:   {ActionStateProcessing, ActionStateStopping, ActionStateFailed, ActionStatePending},
	ActionStateProcessing: {ActionStateStopping, ActionStateDone, ActionStateFailed, ActionStatePending},
	ActionStateStopping:   {ActionStateDone, ActionStateFailed},
	ActionStateDone:       {ActionStateFailed},
	ActionStateFailed:     {},
}

// CanTransition reports whether from -> to is allowed. Staying in the same
// state is always allowed.
func CanTransition(from, to ActionState) bool {
	if from == to {
		return true
	}
	for _, next := range actionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition wraps ErrInvalidTransition with the offending states.
func CheckTransition(from, to ActionState) error {
	if CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// IsTerminal reports whether no further execution happens in this state.
func (s ActionState) IsTerminal() bool {
	return s == ActionStateDone || s == ActionStateFailed
}

// IsActive reports whether a container is expected to exist for the action.
func (s ActionState) IsActive() bool {
	return s == ActionStateStarting || s == ActionStateProcessing || s == ActionStateStopping
}

func (s ActionState) String() string {
	return string(s)
}

// ImageInfo resolved image identity of a run
type ImageInfo struct {
	RepoDigests []string `json:"repoDigests"`
	Sha         string   `json:"sha"`
}

// LogStream container output stream
type LogStream string

const (
	LogStreamStdout LogStream = "stdout"
	LogStreamStderr LogStream = "stderr"
)

// ContainerLog one persisted container log line
type ContainerLog struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Type      LogStream `json:"type"`
}

// ActionJobPayload queue job envelope
type ActionJobPayload struct {
	ActionID string `json:"actionId"`
}
