// Package router turns platform signals into session state transitions: ECS
// task state changes drive the provisioning steps, and DynamoDB stream
// records fan session status out to waiting coordinators and subscribers.
package router

import (
	"encoding/json"
	"fmt"
)

// TaskPhase is the coarse task lifecycle phase the router acts on.
type TaskPhase string

const (
	PhasePending TaskPhase = "PENDING"
	PhaseRunning TaskPhase = "RUNNING"
	PhaseStopped TaskPhase = "STOPPED"
)

// LifecycleEvent is a parsed ECS task state change.
type LifecycleEvent struct {
	TaskARN    string
	Phase      TaskPhase
	SessionID  string
	ENIID      string
	StopReason string
	ExitCode   *int
}

// taskStateDetail mirrors the fields of the ECS "Task State Change" event
// detail the router reads.
type taskStateDetail struct {
	TaskArn       string `json:"taskArn"`
	LastStatus    string `json:"lastStatus"`
	StoppedReason string `json:"stoppedReason"`
	Containers    []struct {
		Name     string `json:"name"`
		ExitCode *int   `json:"exitCode"`
	} `json:"containers"`
	Attachments []struct {
		Type    string `json:"type"`
		Details []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"details"`
	} `json:"attachments"`
	Overrides struct {
		ContainerOverrides []struct {
			Name        string `json:"name"`
			Environment []struct {
				Name  string `json:"name"`
				Value string `json:"value"`
			} `json:"environment"`
		} `json:"containerOverrides"`
	} `json:"overrides"`
}

// ParseTaskStateChange extracts the lifecycle event from an ECS task state
// change detail. Intermediate phases the router does not act on return nil.
// The session id comes from the injected SESSION_ID override; callers fall
// back to the task tag when the overrides are absent.
func ParseTaskStateChange(detail json.RawMessage) (*LifecycleEvent, error) {
	var d taskStateDetail
	if err := json.Unmarshal(detail, &d); err != nil {
		return nil, fmt.Errorf("unmarshal task state change: %w", err)
	}
	if d.TaskArn == "" {
		return nil, fmt.Errorf("task state change without taskArn")
	}

	var phase TaskPhase
	switch d.LastStatus {
	case "PENDING":
		phase = PhasePending
	case "RUNNING":
		phase = PhaseRunning
	case "STOPPED":
		phase = PhaseStopped
	default:
		return nil, nil
	}

	ev := &LifecycleEvent{
		TaskARN:    d.TaskArn,
		Phase:      phase,
		StopReason: d.StoppedReason,
	}

	for _, co := range d.Overrides.ContainerOverrides {
		for _, kv := range co.Environment {
			if kv.Name == "SESSION_ID" && kv.Value != "" {
				ev.SessionID = kv.Value
			}
		}
	}
	for _, att := range d.Attachments {
		if att.Type != "eni" {
			continue
		}
		for _, kv := range att.Details {
			if kv.Name == "networkInterfaceId" && kv.Value != "" {
				ev.ENIID = kv.Value
			}
		}
	}
	for _, c := range d.Containers {
		if c.ExitCode != nil {
			ev.ExitCode = c.ExitCode
			break
		}
	}
	return ev, nil
}
