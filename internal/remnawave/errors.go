package remnawave

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a non-2xx response from the panel.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("panel api error: status %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a panel 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
