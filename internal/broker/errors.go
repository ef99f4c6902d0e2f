package broker

import "errors"

// Error kinds surfaced by lifecycle commands. The HTTP edge maps these to
// status codes; internal batch paths ignore ErrJobNotFound.
var (
	ErrJobNotFound     = errors.New("job not found")
	ErrInvalidJobState = errors.New("invalid job state")
	ErrLeaseNotFound   = errors.New("lease not found")
	ErrLeaseExpired    = errors.New("lease expired")
)
