package agent

// Phase is where an instance is within a turn.
type Phase int

const (
	// PhaseIdle means no turn is running.
	PhaseIdle Phase = iota
	// PhaseCleaning repairs history before the model sees it.
	PhaseCleaning
	// PhaseResolvingConfirmations settles decided tool calls.
	PhaseResolvingConfirmations
	// PhaseInvokingModel waits for the model's first output.
	PhaseInvokingModel
	// PhaseStreaming forwards model output and runs tool calls.
	PhaseStreaming
)

// String returns the phase name used in logs and events.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseCleaning:
		return "cleaning"
	case PhaseResolvingConfirmations:
		return "resolving_confirmations"
	case PhaseInvokingModel:
		return "invoking_model"
	case PhaseStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// MarshalText renders the phase by name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}
