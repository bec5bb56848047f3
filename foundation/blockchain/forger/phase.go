package forger

// Phase is the state of the current forging round.
type Phase int

// Set of phases a round moves through.
const (
	Idle Phase = iota
	ProposerSelected
	Proposing
	AwaitingProposal
	ReplayingAndSigning
	CollectingSignatures
	Committed
	Dropped
)

var phaseNames = map[Phase]string{
	Idle:                 "idle",
	ProposerSelected:     "proposer-selected",
	Proposing:            "proposing",
	AwaitingProposal:     "awaiting-proposal",
	ReplayingAndSigning:  "replaying-and-signing",
	CollectingSignatures: "collecting-signatures",
	Committed:            "committed",
	Dropped:              "dropped",
}

// String implements the fmt.Stringer interface.
func (p Phase) String() string {
	if name, exists := phaseNames[p]; exists {
		return name
	}
	return "unknown"
}

// MarshalText implements the encoding.TextMarshaler interface so the phase
// reads as its name in status output.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}
