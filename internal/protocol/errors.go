package protocol

import (
	"codeberg.org/mutker/cellctl/internal/errors"
	"codeberg.org/mutker/cellctl/internal/sequencer"
)

const (
	ErrInvalidParams = errors.ErrorCode("protocol_invalid_params")
	ErrDatasetState  = errors.ErrorCode("protocol_dataset_state")
	ErrRecordDataset = errors.ErrorCode("protocol_record_dataset_failed")
)

func init() {
	errors.Register(map[errors.ErrorCode]string{
		ErrInvalidParams: "Invalid protocol parameters",
		ErrDatasetState:  "Dataset already open",
		ErrRecordDataset: "Failed to record dataset",
	})
}

// IsCancelled reports whether a run ended through cancellation rather than
// failure.
func IsCancelled(err error) bool {
	return sequencer.IsCancelled(err)
}

func invalidParams(protocol, reason string) error {
	return errors.New().WithData(ErrInvalidParams, protocol+": "+reason)
}
