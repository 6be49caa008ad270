package recorder

import "errors"

// Error taxonomy shared by the controller, coordinators, and sinks. Callers
// branch with errors.Is; the CLI maps these to exit codes.
var (
	// ErrAlreadyRecording is returned by Start while another session holds
	// the recording slot.
	ErrAlreadyRecording = errors.New("a recording session is already active")
	// ErrNotRecording is returned by Stop when no session is active.
	ErrNotRecording = errors.New("no recording session is active")
	// ErrPermissionDenied means the OS refused a capture hook or device.
	ErrPermissionDenied = errors.New("capture permission denied")
	// ErrDeviceUnavailable means a capture device or backend is missing.
	ErrDeviceUnavailable = errors.New("capture device unavailable")
	// ErrQuotaExceeded means the storage budget was reached.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	// ErrEncoderFailure means the media encoder rejected input or died.
	ErrEncoderFailure = errors.New("encoder failure")
	// ErrWriterIO means an event log or container write failed; the stream
	// is sealed.
	ErrWriterIO = errors.New("writer I/O failure")
	// ErrCoordinatorTimeout means a coordinator failed to drain within the
	// stop grace period and was force-terminated.
	ErrCoordinatorTimeout = errors.New("coordinator did not drain in time")
	// ErrSinkSealed is returned by Push after a sink has been finalized or
	// sealed by a failure.
	ErrSinkSealed = errors.New("sink is sealed")
	// ErrNoModalities means every enabled modality was unavailable at start.
	ErrNoModalities = errors.New("no enabled modality could start")
)
