package stageflow

// Event types published to the bus configured with WithEventBus. Every
// event of one pass carries the pass ID as its correlation ID and the flow
// ID as its source.
const (
	EventStageDispatched = "stageflow.stage.dispatched"
	EventPassCompleted   = "stageflow.pass.completed"
	EventPassFailed      = "stageflow.pass.failed"
)

// StageDispatched is the payload of EventStageDispatched, published after
// all three phases of a stage ran.
type StageDispatched struct {
	FlowID string `json:"flow_id"`
	PassID string `json:"pass_id"`
	Root   string `json:"root"`
	Stage  string `json:"stage"`
	Visit  int    `json:"visit"` // 1 for the first dispatch of Stage in the pass
}

// PassCompleted is the payload of EventPassCompleted.
type PassCompleted struct {
	FlowID     string  `json:"flow_id"`
	PassID     string  `json:"pass_id"`
	Root       string  `json:"root"`
	Dispatched int     `json:"dispatched"`
	DurationMs float64 `json:"duration_ms"`
}

// PassFailed is the payload of EventPassFailed.
type PassFailed struct {
	FlowID     string  `json:"flow_id"`
	PassID     string  `json:"pass_id"`
	Root       string  `json:"root"`
	LastStage  string  `json:"last_stage"`
	Dispatched int     `json:"dispatched"`
	DurationMs float64 `json:"duration_ms"`
	Error      string  `json:"error"`
}
