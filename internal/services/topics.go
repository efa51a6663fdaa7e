package services

import "time"

const (
	topicStatePrefix    = "service.state."
	topicTerminalPrefix = "service.terminal."

	// TopicStateAll matches every state change.
	TopicStateAll = "service.state.*"
	// TopicTerminalAll matches every terminal failure.
	TopicTerminalAll = "service.terminal.*"
)

// StateTopic is the topic carrying StateChange events of service.
func StateTopic(service string) string { return topicStatePrefix + service }

// TerminalTopic is raised when service exhausted its restart budget.
func TerminalTopic(service string) string { return topicTerminalPrefix + service }

// StateChange is the payload of StateTopic events.
type StateChange struct {
	Service    string        `json:"service"`
	OldState   State         `json:"oldState"`
	NewState   State         `json:"newState"`
	Health     HealthStatus  `json:"health"`
	Reason     StopReason    `json:"reason,omitempty"`
	Error      string        `json:"error,omitempty"`
	Time       time.Time     `json:"time"`
	InState    time.Duration `json:"inState"`
	Generation int           `json:"generation"`
}

// TerminalFailure is the payload of TerminalTopic events.
type TerminalFailure struct {
	Service  string `json:"service"`
	Critical bool   `json:"critical"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}
