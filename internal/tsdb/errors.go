package tsdb

import "errors"

var (
	// ErrDisabled is returned by Connect when the recorder is disabled in
	// configuration.
	ErrDisabled = errors.New("tsdb recorder is disabled")

	// ErrConnectionFailed wraps initial connection failures.
	ErrConnectionFailed = errors.New("tsdb connection failed")
)
