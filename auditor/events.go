package auditor

// Event is one entry in a run's ordered progress sequence, serialized as a
// single JSON line on the stream.
type Event struct {
	Step    string `json:"step,omitempty"`
	Status  string `json:"status,omitempty"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

const (
	StepInit       = "init"
	StepStrategist = "strategist"
	StepAuditor    = "auditor"
	StepVerifier   = "verifier"
	StepFinal      = "final"

	StatusVerifyingUploads = "Verifying uploads..."
	StatusStarted          = "started"
	StatusRunning          = "running"
	StatusCompleted        = "completed"
)

// DoneSentinel terminates a successful stream, written as a literal line
// after the final content event.
const DoneSentinel = "[DONE]"

// EmitFunc delivers one event to the caller. Implementations are expected to
// block until the event is written out, which gives the executor natural
// backpressure instead of unbounded buffering.
type EmitFunc func(Event) error
