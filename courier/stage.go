package courier

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Stage is one of the three values the courier sync driver ever
// reports.
type Stage string

const (
	StageCollection Stage = "COLLECTION"
	StageWait       Stage = "WAIT"
	StageDelivery   Stage = "DELIVERY"
)

// stageMessage is the line-delimited JSON object written to the
// parent process's IPC stream. Only {"type":"stage", ...} messages
// are ever produced by this package; the parent filters on type and
// ignores anything else, so the notifier never needs to know about
// other message types.
type stageMessage struct {
	Type  string `json:"type"`
	Stage Stage  `json:"stage"`
}

// StageNotifier is C9: writes one JSON line per stage transition to
// an io.Writer, typically the parent process's IPC pipe.
type StageNotifier struct {
	mu sync.Mutex
	w  io.Writer
	enc *json.Encoder
}

// NewStageNotifier wraps w. Safe for concurrent use, though the
// courier driver only ever calls Notify from its own single
// sequential phase loop.
func NewStageNotifier(w io.Writer) *StageNotifier {
	return &StageNotifier{w: w, enc: json.NewEncoder(w)}
}

// Notify writes one stage-transition line.
func (n *StageNotifier) Notify(stage Stage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.enc.Encode(stageMessage{Type: "stage", Stage: stage}); err != nil {
		return fmt.Errorf("courier: write stage notification: %w", err)
	}
	return nil
}
