package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
)

// Authentication errors
var (
	ErrAuthFailed     = errors.New("authentication failed")
	ErrDuplicateUser  = errors.New("duplicate username")
	ErrInvalidAccount = errors.New("account id out of range")
)

// Fixed login messages.
const (
	MsgLoginOK     = "Login OK"
	MsgLoginFailed = "Login Failed"
)

// User is one entry of the static user directory.
type User struct {
	Username  string
	Password  string
	AccountID int
}

// Directory maps credentials to account ids. It is read-only after
// construction and safe for concurrent use.
type Directory struct {
	users []User
}

// NewDirectory builds a directory from users. Account ids must fall in
// [0, accounts) and usernames must be unique.
func NewDirectory(accounts int, users ...User) (*Directory, error) {
	seen := make(map[string]struct{}, len(users))
	for _, u := range users {
		if u.AccountID < 0 || u.AccountID >= accounts {
			return nil, fmt.Errorf("%w: %s -> %d", ErrInvalidAccount, u.Username, u.AccountID)
		}
		if _, ok := seen[u.Username]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateUser, u.Username)
		}
		seen[u.Username] = struct{}{}
	}
	return &Directory{users: append([]User(nil), users...)}, nil
}

// DefaultDirectory returns user<i>/pass<i> -> account i for every account.
func DefaultDirectory(accounts int) *Directory {
	users := make([]User, accounts)
	for i := range users {
		users[i] = User{
			Username:  fmt.Sprintf("user%d", i),
			Password:  fmt.Sprintf("pass%d", i),
			AccountID: i,
		}
	}
	return &Directory{users: users}
}

// Len returns the number of users.
func (d *Directory) Len() int {
	return len(d.users)
}

// Authenticate returns the account bound to the credentials.
// No hashing, rate limiting or lockout is applied.
func (d *Directory) Authenticate(username, password string) (int, bool) {
	for _, u := range d.users {
		// Constant-time comparison of both fields
		userOK := subtle.ConstantTimeCompare([]byte(u.Username), []byte(username))
		passOK := subtle.ConstantTimeCompare([]byte(u.Password), []byte(password))
		if userOK&passOK == 1 {
			return u.AccountID, true
		}
	}
	return -1, false
}

// Verify is Authenticate with an error result.
func (d *Directory) Verify(username, password string) (int, error) {
	id, ok := d.Authenticate(username, password)
	if !ok {
		return -1, fmt.Errorf("%w: %q", ErrAuthFailed, username)
	}
	return id, nil
}
