package device

import "errors"

var (
	ErrStopped    = errors.New("device: already stopped")
	ErrNotStarted = errors.New("device: not started")
)
