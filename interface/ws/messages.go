package ws

import (
	"time"

	"github.com/kavos113/ctf-instancer/domain"
	"github.com/kavos113/ctf-instancer/usecase"
)

// Server to client message types.
const (
	typeChallengeListing     = "challenge_listing"
	typeChallengeStateChange = "challenge_state_change"
	typeMessage              = "message"
)

// Client to server message types.
const (
	typeChallengeAction = "challenge_action"
)

type attachmentEntry struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type challengeEntry struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Description string               `json:"description"`
	State       domain.InstanceState `json:"state"`
	Details     string               `json:"details,omitempty"`
	StopTime    *int64               `json:"stop_time,omitempty"`
	Attachments []attachmentEntry    `json:"attachments,omitempty"`
}

type challengeListing struct {
	Type       string                    `json:"type"`
	Challenges map[string]challengeEntry `json:"challenges"`
}

type challengeStateChange struct {
	Type     string               `json:"type"`
	ID       string               `json:"id"`
	State    domain.InstanceState `json:"state"`
	Details  string               `json:"details,omitempty"`
	StopTime *int64               `json:"stop_time,omitempty"`
}

type message struct {
	Type     string           `json:"type"`
	Contents string           `json:"contents"`
	Severity usecase.Severity `json:"severity"`
}

type challengeAction struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Action string `json:"action"`
}

// Stop times travel as milliseconds since the epoch.
func millis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

// visibleDetails hides stale connection details while an instance is not
// actually reachable.
func visibleDetails(state domain.InstanceState, details string) string {
	if state != domain.StateRunning {
		return ""
	}
	return details
}

func stateChangeMessage(u usecase.Update) challengeStateChange {
	return challengeStateChange{
		Type:     typeChallengeStateChange,
		ID:       u.ChallengeID,
		State:    u.State,
		Details:  visibleDetails(u.State, u.Details),
		StopTime: millis(u.StopTime),
	}
}

func noticeMessage(n *usecase.Notice) message {
	return message{
		Type:     typeMessage,
		Contents: n.Contents,
		Severity: n.Severity,
	}
}
