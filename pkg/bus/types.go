package bus

import "time"

// TurnEvent is one state transition of a dispatch turn.
type TurnEvent struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id,omitempty"`
	State     string    `json:"state"`
	Step      int       `json:"step"`
	Action    string    `json:"action,omitempty"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

type Publisher interface {
	Publish(TurnEvent)
}
