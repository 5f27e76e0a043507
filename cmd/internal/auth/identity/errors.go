package identity

import (
	"errors"
	"fmt"
)

// DefaultAuthMessage is used when the server gives no reason for a rejected login.
const DefaultAuthMessage = "Invalid credentials"

var (
	// ErrInvalidCredentials matches every *AuthError.
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
	// ErrFetchCurrentUser matches every *FetchError.
	ErrFetchCurrentUser = errors.New("identity: could not load current user")
	// ErrMissingCredentials is returned before any request when username or password is blank.
	ErrMissingCredentials = errors.New("identity: username and password are required")
	// ErrMissingID is the cause recorded when the server returns an identity without id.
	ErrMissingID = errors.New("identity: response has no id")
)

// AuthError is a rejected login. Message is safe to show to the user.
type AuthError struct {
	Status  int
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return DefaultAuthMessage
	}
	return e.Message
}

func (e *AuthError) Unwrap() error { return ErrInvalidCredentials }

// FetchError hides the underlying cause from the message; errors.Is still reaches it.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string { return ErrFetchCurrentUser.Error() }

func (e *FetchError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrFetchCurrentUser}
	}
	return []error{ErrFetchCurrentUser, e.Err}
}

// Format keeps %+v useful in logs without changing Error().
func (e *FetchError) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') && e.Err != nil {
		_, _ = fmt.Fprintf(s, "%s: %+v", ErrFetchCurrentUser, e.Err)
		return
	}
	_, _ = fmt.Fprint(s, e.Error())
}
