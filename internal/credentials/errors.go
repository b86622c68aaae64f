package credentials

import (
	"errors"
	"fmt"
)

var (
	// ErrNoAccount means the user has not connected the provider.
	ErrNoAccount = errors.New("no connected account")

	// ErrNoRecipe means the provider has no registered refresh recipe.
	ErrNoRecipe = errors.New("no token refresh recipe registered")

	// ErrNoAppCredentials means neither the user's store nor configuration
	// holds a client id and secret for the provider.
	ErrNoAppCredentials = errors.New("missing oauth app client id/secret")
)

// RefreshError carries the token endpoint's response verbatim.
type RefreshError struct {
	Provider string
	Status   int
	Body     string
	Err      error
}

func (e *RefreshError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("refresh %s token: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("refresh %s token: status %d: %s", e.Provider, e.Status, e.Body)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// ReauthRequiredError means the refresh token was rejected and the user
// has to connect the account again.
type ReauthRequiredError struct {
	Provider string
	Cause    *RefreshError
}

func (e *ReauthRequiredError) Error() string {
	return fmt.Sprintf("%s account must be reconnected: %v", e.Provider, e.Cause)
}

func (e *ReauthRequiredError) Unwrap() error { return e.Cause }
