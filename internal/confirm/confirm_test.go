package confirm

import (
	"errors"
	"testing"

	"github.com/example/design-assistant/internal/models"
)

func TestDecide(t *testing.T) {
	start := StartRequest("t1", models.KindPanelSchedule)
	finish := FinishRequest("t2", "End Task?", false)
	closing := FinishRequest("t3", "End Task?", true)

	cases := []struct {
		name    string
		pending *models.ConfirmationRequest
		yes     bool
		onHome  bool
		want    Action
		wantErr error
	}{
		{"start yes on home", start, true, true, Action{Kind: ActionStart, TaskID: "t1"}, nil},
		{"start no on home", start, false, true, Action{Kind: ActionDiscardStart, TaskID: "t1"}, nil},
		{"start on task tab", start, true, false, Action{}, ErrWrongTab},
		{"finish yes", finish, true, false, Action{Kind: ActionFinish, TaskID: "t2"}, nil},
		{"finish no", finish, false, false, Action{Kind: ActionResume, TaskID: "t2"}, nil},
		{"finish from close", closing, true, false, Action{Kind: ActionFinish, TaskID: "t3", CloseTab: true}, nil},
		{"finish on home", finish, true, true, Action{}, ErrWrongTab},
		{"nothing pending", nil, true, true, Action{}, ErrNoPending},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decide(tc.pending, tc.yes, tc.onHome)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Fatalf("action = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestStartPrompt(t *testing.T) {
	if got := StartRequest("x", models.KindOneLine).PromptText; got != "Confirm build 'one line'?" {
		t.Fatalf("prompt = %q", got)
	}
}
