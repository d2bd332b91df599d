// Package confirm decides what a yes/no answer to a pending confirmation
// means. It holds no state and performs no side effects; the session
// manager executes the returned Action.
package confirm

import (
	"errors"
	"fmt"

	"github.com/example/design-assistant/internal/models"
)

var (
	ErrNoPending = errors.New("nothing is waiting for confirmation")
	ErrWrongTab  = errors.New("confirmation is not answerable from this tab")
)

type ActionKind string

const (
	// ActionStart confirms the task, spawns a tab bound to it and resets
	// the home tab.
	ActionStart ActionKind = "start"
	// ActionDiscardStart clears the pending start. The task is left for the
	// reaper.
	ActionDiscardStart ActionKind = "discard_start"
	// ActionFinish finalizes the task.
	ActionFinish ActionKind = "finish"
	// ActionResume cancels a pending finish; the task goes back to Active.
	ActionResume ActionKind = "resume"
)

type Action struct {
	Kind   ActionKind
	TaskID string
	// CloseTab is set when the finish was raised by closing the tab.
	CloseTab bool
}

// Decide maps a pending request and an answer to the single action that
// must follow. Start requests are only honored on the home tab; finish
// requests only on a bound tab.
func Decide(pending *models.ConfirmationRequest, yes, onHome bool) (Action, error) {
	if pending == nil {
		return Action{}, ErrNoPending
	}
	switch pending.Kind {
	case models.ConfirmStartTask:
		if !onHome {
			return Action{}, ErrWrongTab
		}
		if yes {
			return Action{Kind: ActionStart, TaskID: pending.TargetTaskID}, nil
		}
		return Action{Kind: ActionDiscardStart, TaskID: pending.TargetTaskID}, nil
	case models.ConfirmFinishTask:
		if onHome {
			return Action{}, ErrWrongTab
		}
		if yes {
			return Action{Kind: ActionFinish, TaskID: pending.TargetTaskID, CloseTab: pending.CloseTab}, nil
		}
		return Action{Kind: ActionResume, TaskID: pending.TargetTaskID}, nil
	}
	return Action{}, fmt.Errorf("unknown confirmation kind %q", pending.Kind)
}

// StartRequest builds the gate shown after a task kind is detected.
func StartRequest(taskID string, kind models.TaskKind) *models.ConfirmationRequest {
	return &models.ConfirmationRequest{
		Kind:         models.ConfirmStartTask,
		TargetTaskID: taskID,
		PromptText:   fmt.Sprintf("Confirm build '%s'?", kind.Label()),
	}
}

// FinishRequest wraps the registry's finish prompt.
func FinishRequest(taskID, prompt string, closeTab bool) *models.ConfirmationRequest {
	return &models.ConfirmationRequest{
		Kind:         models.ConfirmFinishTask,
		TargetTaskID: taskID,
		PromptText:   prompt,
		CloseTab:     closeTab,
	}
}
