package domain

type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
	ActionExtend  Action = "extend"
)

func ParseAction(s string) (Action, bool) {
	switch Action(s) {
	case ActionStart, ActionStop, ActionRestart, ActionExtend:
		return Action(s), true
	}
	return "", false
}

// ActionRequest is a single lifecycle request. Synthetic requests come from
// the TTL reaper and skip the per-user rate limiter.
type ActionRequest struct {
	UserID      string
	ChallengeID string
	Action      Action
	SessionID   string
	Synthetic   bool
}
