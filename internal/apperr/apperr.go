// Package apperr defines the error kinds shared by the orchestration core.
//
// Concrete errors wrap one of the kinds with %w, so callers can test either
// the concrete sentinel or the kind with errors.Is.
package apperr

import "errors"

var (
	ErrConfiguration = errors.New("configuration error")
	ErrConnection    = errors.New("connection error")
	ErrStream        = errors.New("stream error")
	ErrNotFound      = errors.New("not found")
	ErrParse         = errors.New("parse error")
)

// Kind returns the kind sentinel err belongs to, or nil if it carries none.
func Kind(err error) error {
	for _, k := range []error{ErrConfiguration, ErrConnection, ErrStream, ErrNotFound, ErrParse} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
