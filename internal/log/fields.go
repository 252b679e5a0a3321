package log

const (
	NamespaceKey = "stepflow"

	RunIDKey        = NamespaceKey + ".run.id"
	WorkflowNameKey = NamespaceKey + ".workflow.name"
	RunStatusKey    = NamespaceKey + ".run.status"

	StepNameKey = NamespaceKey + ".step.name"
	StepKindKey = NamespaceKey + ".step.kind"

	ActionKey  = NamespaceKey + ".action"
	AttemptKey = NamespaceKey + ".attempt"

	IsReplayingKey = NamespaceKey + ".is_replaying"
	LedgerSizeKey  = NamespaceKey + ".ledger.size"

	DurationKey = NamespaceKey + ".duration_ms"

	// NowKey is the time at which a sleep was requested
	NowKey = NamespaceKey + ".sleep.now"
	// WakeAtKey is the time at which a sleeping run becomes runnable again
	WakeAtKey = NamespaceKey + ".sleep.wake_at"
)
