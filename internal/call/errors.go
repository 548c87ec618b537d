package call

import "fmt"

// AcquisitionError reports that a resource required to start a call could not
// be obtained: the audio device was unavailable or permission was denied, or
// the gateway did not answer within the dial timeout. It is fatal to
// session start and is never retried automatically.
type AcquisitionError struct {
	// Resource names what could not be acquired, e.g. "capture device" or
	// "gateway connection".
	Resource string

	// Err is the underlying cause.
	Err error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("call: failed to acquire %s: %v", e.Resource, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }
