package models

import (
	"time"
)

type TaskState string

const (
	StateAwaitingConfirmation       TaskState = "AWAITING_CONFIRMATION"
	StateActive                     TaskState = "ACTIVE"
	StateAwaitingFinishConfirmation TaskState = "AWAITING_FINISH_CONFIRMATION"
	StateFinished                   TaskState = "FINISHED"
)

// Occupying reports whether a task in this state holds a concurrency slot.
func (s TaskState) Occupying() bool {
	return s == StateActive || s == StateAwaitingFinishConfirmation
}

type TaskKind string

const (
	KindPanelSchedule TaskKind = "panel_schedule"
	KindOneLine       TaskKind = "one_line"
	KindPowerPlan     TaskKind = "power_plan"
	KindLightingPlan  TaskKind = "lighting_plan"
	KindRevitPackage  TaskKind = "revit_package"
)

var Kinds = []TaskKind{KindPanelSchedule, KindOneLine, KindPowerPlan, KindLightingPlan, KindRevitPackage}

func (k TaskKind) Valid() bool {
	for _, v := range Kinds {
		if v == k {
			return true
		}
	}
	return false
}

// Label is the human form used in prompts, e.g. "panel schedule".
func (k TaskKind) Label() string {
	b := []byte(k)
	for i := range b {
		if b[i] == '_' {
			b[i] = ' '
		}
	}
	return string(b)
}

type Source string

const (
	SourceText       Source = "text"
	SourceVoice      Source = "voice"
	SourceExtraction Source = "extraction"
)

func (s Source) Valid() bool {
	return s == SourceText || s == SourceVoice || s == SourceExtraction
}

// ParameterEntry is one stored value in a task's parameter store.
type ParameterEntry struct {
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
	Source    Source    `json:"source"`
}

// ParameterUpdate is an incoming write. UpdatedAt is the logical update time
// assigned by the producing source; a zero value means "now".
type ParameterUpdate struct {
	Key        string    `json:"key"`
	Value      any       `json:"value"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
	Source     Source    `json:"source,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
}

type FileRef struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	AddedAt time.Time `json:"added_at"`
}

type ArtifactKind string

const (
	ArtifactPrimary  ArtifactKind = "primary"
	ArtifactAdvisory ArtifactKind = "advisory"
)

type ArtifactRef struct {
	Name string       `json:"name"`
	Kind ArtifactKind `json:"kind"`
	Size int64        `json:"size"`
}

type ReviewStatus string

const (
	ReviewOK          ReviewStatus = "ok"
	ReviewUnavailable ReviewStatus = "unavailable"
	ReviewSkipped     ReviewStatus = "skipped"
)

type Finding struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// ReviewOutcome is either Ok(findings) or Unavailable(reason).
type ReviewOutcome struct {
	Status   ReviewStatus `json:"status"`
	Findings []Finding    `json:"findings,omitempty"`
	Summary  string       `json:"summary,omitempty"`
	Reason   string       `json:"reason,omitempty"`
}

func ReviewOk(findings []Finding, summary string) ReviewOutcome {
	return ReviewOutcome{Status: ReviewOK, Findings: findings, Summary: summary}
}

func ReviewUnavailableBecause(reason string) ReviewOutcome {
	return ReviewOutcome{Status: ReviewUnavailable, Reason: reason}
}

// ArtifactSet is the packaged result of one successful build.
type ArtifactSet struct {
	BuildID   string        `json:"build_id"`
	Primary   []ArtifactRef `json:"primary"`
	Advisory  []ArtifactRef `json:"advisory,omitempty"`
	Review    ReviewOutcome `json:"review"`
	Notes     []string      `json:"notes,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// Task is a read-only view of a registry record. The registry never hands
// out its own pointer.
type Task struct {
	ID             string                    `json:"task_id"`
	Kind           TaskKind                  `json:"kind"`
	PanelName      string                    `json:"panel_name"`
	State          TaskState                 `json:"state"`
	CreatedAt      time.Time                 `json:"created_at"`
	LastActivityAt time.Time                 `json:"last_activity_at"`
	Parameters     map[string]ParameterEntry `json:"parameters,omitempty"`
	UploadedFiles  []FileRef                 `json:"uploaded_files,omitempty"`
	Outputs        []ArtifactRef             `json:"outputs,omitempty"`
	Builds         int                       `json:"builds"`
	BuildInFlight  bool                      `json:"build_in_flight"`
}

type ConfirmationKind string

const (
	ConfirmStartTask  ConfirmationKind = "START_TASK"
	ConfirmFinishTask ConfirmationKind = "FINISH_TASK"
)

// ConfirmationRequest lives on a tab between the gate and the user's answer.
type ConfirmationRequest struct {
	Kind         ConfirmationKind `json:"kind"`
	TargetTaskID string           `json:"target_task_id"`
	PromptText   string           `json:"prompt_text"`
	// CloseTab marks a finish gate raised by closing the tab.
	CloseTab bool `json:"close_tab,omitempty"`
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role   Role      `json:"role"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
	Replay bool      `json:"replay,omitempty"`
}

type Tab struct {
	ID           string               `json:"tab_id"`
	DisplayName  string               `json:"display_name"`
	Home         bool                 `json:"home"`
	BoundTaskID  string               `json:"bound_task_id,omitempty"`
	Messages     []Message            `json:"message_log"`
	WelcomeState bool                 `json:"welcome_state"`
	Pending      *ConfirmationRequest `json:"pending,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
}
