package logging

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldEventType classifies a log line for filtering (e.g. probe_failed).
	FieldEventType = "event_type"
	// FieldErrorHint suggests the next step for an operator.
	FieldErrorHint = "error_hint"
	// FieldImpact is the standardized key for user-facing consequence of a warning.
	FieldImpact = "impact"
	// FieldActionID identifies a queued action.
	FieldActionID = "action_id"
	// FieldActionKind is the kind of a queued action.
	FieldActionKind = "action_kind"
	// FieldArtifactID identifies a captured audio artifact.
	FieldArtifactID = "artifact_id"
	// FieldEntryID identifies the care entry an artifact belongs to.
	FieldEntryID = "entry_id"
	// FieldStrategy names the cache strategy used by the gateway.
	FieldStrategy = "strategy"
	// FieldAlert flags warnings or anomalies that should stand out in structured logs.
	FieldAlert = "alert"
)
