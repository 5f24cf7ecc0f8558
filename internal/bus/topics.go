package bus

// Pipeline event topics.
const (
	TopicPipelineEnqueued   = "pipeline.enqueued"
	TopicPipelineClaimed    = "pipeline.claimed"
	TopicPipelineCompleted  = "pipeline.completed"
	TopicPipelineFailed     = "pipeline.failed"
	TopicPipelineDeadLetter = "pipeline.dead_letter"
	TopicPipelineRecovered  = "pipeline.recovered"
)

// Agent liveness topics.
const (
	TopicAgentDown      = "agent.down"
	TopicAgentRecovered = "agent.recovered"
)

// StageTransitionEvent is published when a task moves between stages.
type StageTransitionEvent struct {
	TaskID    string // PRP id
	FromStage string // stage being left; empty on first enqueue
	ToStage   string // stage being entered; empty on terminal completion
}

// DeadLetterEvent is published when a task exhausts its retry budget.
type DeadLetterEvent struct {
	TaskID string
	Stage  string
	Reason string
}

// RecoveryEvent is published when a stuck inflight claim is requeued.
type RecoveryEvent struct {
	TaskID   string
	Stage    string
	ClaimAge string // human-readable claim age at recovery time
}

// AgentDownEvent is published once when an agent transitions into stale.
type AgentDownEvent struct {
	AgentID      string
	LastActivity string // RFC3339; empty if no heartbeat was ever recorded
	CurrentTask  string
}
