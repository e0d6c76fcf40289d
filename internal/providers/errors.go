package providers

import (
	"fmt"
	"net/http"

	"mimir/internal/apperr"
)

// Failure tags a backend error with its kind. Rejected credentials are a
// configuration problem; everything else counts as a connection failure.
func Failure(provider string, status int, err error) error {
	if err == nil {
		return nil
	}
	if apperr.Kind(err) != nil {
		return fmt.Errorf("%s: %w", provider, err)
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return fmt.Errorf("%w: %s: %w", apperr.ErrConfiguration, provider, err)
	}
	return fmt.Errorf("%w: %s: %w", apperr.ErrConnection, provider, err)
}
