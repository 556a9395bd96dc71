package points

import "time"

// Recorder receives ledger events for instrumentation.
// The metrics package provides the Prometheus implementation.
type Recorder interface {
	GrantRecorded(points int64)
	DeductionRecorded(outcome string, points int64, elapsed time.Duration)
	ConflictRecorded(row string)
	SweepRecorded(report SweepReport, elapsed time.Duration)
}

// Deduction outcomes reported to the Recorder.
const (
	OutcomeSuccess      = "success"
	OutcomeInsufficient = "insufficient_balance"
	OutcomeConflict     = "concurrent_modification"
	OutcomeInvalid      = "invalid_argument"
	OutcomeError        = "error"
)

type nopRecorder struct{}

func (nopRecorder) GrantRecorded(int64) {}
func (nopRecorder) DeductionRecorded(string, int64, time.Duration) {}
func (nopRecorder) ConflictRecorded(string) {}
func (nopRecorder) SweepRecorded(SweepReport, time.Duration) {}
