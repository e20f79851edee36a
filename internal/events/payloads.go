package events

import "time"

// StateTransitionPayload describes one session state replacement.
type StateTransitionPayload struct {
	TabID            string
	ConversationID   string
	From             string
	To               string
	CurrentIteration int
	Remaining        int
	Total            int
}

// OperationResultPayload describes the outcome of one remote agent call.
type OperationResultPayload struct {
	ConversationID string
	Operation      string
	Result         string
	Reason         string
	Duration       time.Duration
}

// CodeGenerationMetricPayload marks the start or end of a code generation job.
type CodeGenerationMetricPayload struct {
	ConversationID string
	Name           string
	Result         string
	Iteration      int
}

// DiffMetricsPayload carries acceptance counts for a finished conversation.
type DiffMetricsPayload struct {
	ConversationID string
	Accepted       int
	Generated      int
}

// AlertPayload carries a human readable alert.
type AlertPayload struct {
	Source  string
	Message string
}

// HealthCheckPayload summarizes one doctor pass.
type HealthCheckPayload struct {
	OpenConversations      int
	AbandonedConversations int
	StaleUploads           int
	Heartbeat              time.Time
}

// Emit publishes event on bus. A nil bus drops the event.
func Emit(bus Bus, event Event) {
	if bus == nil {
		return
	}
	bus.Publish(event)
}
