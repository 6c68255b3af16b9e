package stdio

import "os/user"

// UserProvider names the principal on the other end of the pipe. There is no
// token on stdio; the id is attached to log records only.
type UserProvider interface {
	CurrentUserID() (string, error)
}

// OSUserProvider reports the account running the process.
type OSUserProvider struct{}

func (OSUserProvider) CurrentUserID() (string, error) {
	u, err := user.Current()
	switch {
	case err != nil:
		return "", err
	case u.Username != "":
		return u.Username, nil
	default:
		return u.Uid, nil
	}
}

// StaticUser is a UserProvider returning a fixed id.
type StaticUser string

func (s StaticUser) CurrentUserID() (string, error) { return string(s), nil }
