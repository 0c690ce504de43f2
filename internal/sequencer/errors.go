package sequencer

import "codeberg.org/mutker/cellctl/internal/errors"

const (
	ErrInvalidPhase = errors.ErrorCode("sequencer_invalid_phase")
	ErrCancelled    = errors.ErrorCode("run_cancelled")
	ErrStopDevice   = errors.ErrorCode("sequencer_stop_device_failed")
)

func init() {
	errors.Register(map[errors.ErrorCode]string{
		ErrInvalidPhase: "Invalid phase specification",
		ErrCancelled:    "Test run cancelled",
		ErrStopDevice:   "Failed to stop phase device",
	})
}

// IsCancelled reports whether err signals cooperative cancellation.
func IsCancelled(err error) bool {
	return errors.HasCode(err, ErrCancelled)
}
