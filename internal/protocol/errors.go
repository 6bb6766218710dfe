package protocol

import "errors"

// Error categories. Every failure returned by this module wraps exactly one
// of these so callers can branch with errors.Is. The retryable read outcomes
// slot.ErrNotReady and consumer.ErrNoFrame are not failures and wrap none.
var (
	ErrArg         = errors.New("tensorpool: invalid argument")
	ErrNoMem       = errors.New("tensorpool: allocation failed")
	ErrIO          = errors.New("tensorpool: io error")
	ErrShm         = errors.New("tensorpool: shared memory error")
	ErrProtocol    = errors.New("tensorpool: protocol violation")
	ErrUnsupported = errors.New("tensorpool: unsupported")
	ErrTimeout     = errors.New("tensorpool: timeout")
	ErrNotFound    = errors.New("tensorpool: not found")
	ErrTransport   = errors.New("tensorpool: transport error")
)

// Category returns the taxonomy sentinel err wraps, or nil.
func Category(err error) error {
	if err == nil {
		return nil
	}
	for _, c := range []error{
		ErrArg, ErrNoMem, ErrShm, ErrIO, ErrProtocol,
		ErrUnsupported, ErrTimeout, ErrNotFound, ErrTransport,
	} {
		if errors.Is(err, c) {
			return c
		}
	}
	return nil
}
