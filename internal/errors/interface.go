package errors

// ErrorCode identifies a failure class such as a device fault, a safety
// interlock or an invalid profile. Packages add their own codes with
// [Register]; callers branch on them with [HasCode] or [CodeOf].
type ErrorCode string

// Error is a coded error carrying an optional message, payload and cause.
// The payload is typically the offending value, e.g. the voltage that
// tripped an interlock or the device name that failed.
type Error interface {
	error
	Code() ErrorCode
	WithMessage(msg string) Error
	WithData(data any) Error
	GetData() any
	Unwrap() error
}

// Factory builds coded errors. The package-level [New] returns the only
// implementation.
type Factory interface {
	New(code ErrorCode) Error
	// Wrap keeps err reachable through errors.Is and errors.As.
	Wrap(code ErrorCode, err error) Error
	WithMessage(code ErrorCode, msg string) Error
	WithData(code ErrorCode, data any) Error
}
