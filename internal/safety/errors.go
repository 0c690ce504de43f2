package safety

import "codeberg.org/mutker/cellctl/internal/errors"

const (
	ErrInvalidLimits     = errors.ErrorCode("safety_invalid_limits")
	ErrDeviceUnreachable = errors.ErrorCode("safety_device_unreachable")
)

func init() {
	errors.Register(map[errors.ErrorCode]string{
		ErrInvalidLimits:     "Invalid safety limits",
		ErrDeviceUnreachable: "Failed to apply safety limits",
	})
}
