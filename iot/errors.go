package iot

import "errors"

// The error taxonomy of the ingestion tier. Errors are wrapped with
// fmt.Errorf("%w: ...") and classified with errors.Is.
var (
	// ErrProtocol is a malformed frame or a frame not allowed in the
	// current session state. It closes the device session.
	ErrProtocol = errors.New("protocol error")
	// ErrAuthentication is a bad or unknown device credential. It closes
	// the device session.
	ErrAuthentication = errors.New("authentication error")
	// ErrTimeout is an idle device. It closes the device session.
	ErrTimeout = errors.New("timeout error")
	// ErrPersistence is a failed gateway call. It is logged and never
	// reaches the network layer.
	ErrPersistence = errors.New("persistence error")
	// ErrDelivery is a failed or blocked subscriber write. It closes that
	// subscriber connection only.
	ErrDelivery = errors.New("delivery error")
)
