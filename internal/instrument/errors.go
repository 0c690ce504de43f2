package instrument

import (
	"fmt"

	"codeberg.org/mutker/cellctl/internal/errors"
)

const (
	ErrOperationFailed = errors.ErrorCode("instrument_operation_failed")
	ErrNotConnected    = errors.ErrorCode("instrument_not_connected")
	ErrInvalidResponse = errors.ErrorCode("instrument_invalid_response")
	ErrMeterMissing    = errors.ErrorCode("instrument_meter_missing")
)

func init() {
	errors.Register(map[errors.ErrorCode]string{
		ErrOperationFailed: "Instrument operation failed",
		ErrNotConnected:    "Instrument not connected",
		ErrInvalidResponse: "Invalid instrument response",
		ErrMeterMissing:    "Auxiliary meter not attached",
	})
}

// Operation identifies a single instrument call.
type Operation struct {
	Device string
	Name   string
}

func (o Operation) String() string {
	return fmt.Sprintf("%s.%s", o.Device, o.Name)
}

// NewDeviceError wraps a failed instrument call so that the failing
// operation can be recovered with OperationOf.
func NewDeviceError(device, op string, err error) error {
	if err == nil {
		return nil
	}

	return errors.New().
		Wrap(ErrOperationFailed, err).
		WithData(Operation{Device: device, Name: op})
}

// OperationOf returns the failing operation carried by a device error.
func OperationOf(err error) (Operation, bool) {
	for err != nil {
		var appErr errors.Error
		if !errors.As(err, &appErr) {
			return Operation{}, false
		}
		if op, ok := appErr.GetData().(Operation); ok && appErr.Code() == ErrOperationFailed {
			return op, true
		}
		err = appErr.Unwrap()
	}

	return Operation{}, false
}

// IsDeviceError reports whether err originates from an instrument call.
func IsDeviceError(err error) bool {
	return errors.HasCode(err, ErrOperationFailed)
}
