package protocol

import "errors"

// Error classes. Package-level errors wrap exactly one of these so callers
// can branch with errors.Is without knowing the concrete sentinel.
var (
	ErrTransport        = errors.New("protocol: transport failure")
	ErrIntegrity        = errors.New("protocol: integrity violation")
	ErrDecode           = errors.New("protocol: decode failure")
	ErrUsage            = errors.New("protocol: usage error")
	ErrConnectionClosed = errors.New("protocol: connection closed")
)

// IsFatal reports whether err leaves the connection unusable.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrIntegrity) ||
		errors.Is(err, ErrConnectionClosed)
}
