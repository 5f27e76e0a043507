// Package session owns the in-memory authentication state of one participant.
//
// The identity is never read from the shared store: it is rebuilt from the
// remote identity service on start and after every login. A session-expiry
// notification clears it.
package session
