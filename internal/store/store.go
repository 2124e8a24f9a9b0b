package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Session holds the persisted cloud session cookies, so a restart can resume
// without re-sending the account password.
type Session struct {
	User        string `json:"user"`
	AuthCookie  string `json:"-"`
	WebClientID string `json:"web_client_id"`
}

// sessionStorage is the internal struct used for DB serialization,
// preserving the auth cookie on disk.
type sessionStorage struct {
	User        string `json:"user"`
	AuthCookie  string `json:"auth_cookie,omitempty"`
	WebClientID string `json:"web_client_id"`
}
