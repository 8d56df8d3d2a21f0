package cloud

import "fmt"

// AuthError is returned when either the discovery or the login step of
// Login does not report success. Body carries the raw response.
type AuthError struct {
	Step   string
	Status string
	Body   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("dreamcatcher %s failed (status %q): %s", e.Step, e.Status, e.Body)
}

// APIError is returned by directory calls whose body status is not success.
type APIError struct {
	Op     string
	Status string
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("dreamcatcher %s failed (status %q): %s", e.Op, e.Status, e.Body)
}
