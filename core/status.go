package core

import "time"

// StatusValue is the supervisor-visible state of a strategy instance.
type StatusValue string

// LastAction records what last mutated a status row.
type LastAction string

const (
	StatusActive  StatusValue = "active"
	StatusPaused  StatusValue = "paused"
	StatusStopped StatusValue = "stopped"
	StatusError   StatusValue = "error"
)

const (
	ActionManualStart       LastAction = "manual_start"
	ActionManualStop        LastAction = "manual_stop"
	ActionAutoResume        LastAction = "auto_resume"
	ActionAutoResumeSkipped LastAction = "auto_resume_skipped"
	ActionAutoResumeFailed  LastAction = "auto_resume_failed"
)

// StrategyStatus is the persisted status row for one instance key. It is the
// supervisor's only durable state and what the auto-resume sweep reads.
type StrategyStatus struct {
	UserID      string      `json:"user_id" gorm:"primaryKey;size:64"`
	Strategy    string      `json:"strategy_name" gorm:"primaryKey;size:64"`
	Instrument  string      `json:"instrument" gorm:"primaryKey;size:64"`
	Broker      string      `json:"broker" gorm:"primaryKey;size:32"`
	Environment Environment `json:"environment" gorm:"primaryKey;size:16"`

	Status        StatusValue `json:"status" gorm:"index"`
	LastAction    LastAction  `json:"last_action"`
	Config        []byte      `json:"config"` // opaque strategy config blob
	AutoReconnect bool        `json:"auto_reconnect"`

	ConnectedAt   *time.Time `json:"connected_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`

	ErrorCount   int    `json:"error_count"`
	ErrorMessage string `json:"error_message,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the instance key of the status row.
func (s StrategyStatus) Key() InstanceKey {
	return InstanceKey{
		UserID:      s.UserID,
		Strategy:    s.Strategy,
		Instrument:  s.Instrument,
		Broker:      s.Broker,
		Environment: s.Environment,
	}
}

// StatusFilter selects status rows in memory.
type StatusFilter func(StrategyStatus) bool

// WithStatusValue filters by supervisor state.
func WithStatusValue(v StatusValue) StatusFilter {
	return func(s StrategyStatus) bool { return s.Status == v }
}

// WithStatusUser filters by user.
func WithStatusUser(userID string) StatusFilter {
	return func(s StrategyStatus) bool { return s.UserID == userID }
}

// WithStatusKey filters by full instance key.
func WithStatusKey(key InstanceKey) StatusFilter {
	return func(s StrategyStatus) bool { return s.Key() == key }
}

// WithAutoReconnect filters rows eligible for the resume sweep.
func WithAutoReconnect() StatusFilter {
	return func(s StrategyStatus) bool { return s.AutoReconnect }
}

// WithStatusEnvironment filters by broker environment.
func WithStatusEnvironment(broker string, env Environment) StatusFilter {
	return func(s StrategyStatus) bool { return s.Broker == broker && s.Environment == env }
}
