package server

import (
	"bufio"
	"io"
	"strings"

	"github.com/spf13/afero"
)

// A TokenValidator decides who a token passed to the web API belongs to. A
// token it does not know gives the user "" with RoleUnknown. An error is
// returned only when the lookup itself failed.
type TokenValidator interface {
	TokenValid(token string) (user string, role Role, err error)
}

// Role is what a user may do. Each role includes the ones before it.
type Role int

const (
	RoleUnknown Role = iota
	RoleRead
	RoleWrite
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleRead:
		return "read"
	case RoleWrite:
		return "write"
	case RoleAdmin:
		return "admin"
	}
	return "unknown"
}

// ParseRole is the inverse of Role.String, ignoring case.
func ParseRole(s string) Role {
	switch strings.ToLower(s) {
	case "read":
		return RoleRead
	case "write":
		return RoleWrite
	case "admin":
		return RoleAdmin
	default:
		return RoleUnknown
	}
}

// NobodyValidator treats every token, including none, as the user "nobody"
// with the Admin role.
type NobodyValidator struct{}

func (NobodyValidator) TokenValid(token string) (string, Role, error) {
	return "nobody", RoleAdmin, nil
}

// ListValidator is backed by a fixed list of users.
type ListValidator struct {
	users map[string]userEntry // by token
}

type userEntry struct {
	user string
	role Role
}

// NewListValidator reads a user list from r. Each line has the form
//
//	<user name>  <role>  <token>
//
// separated by spaces or tabs. The role is one of "Read", "Write", "Admin"
// (case insensitive). Blank lines, lines beginning with '#', and lines with
// the wrong number of fields are skipped.
func NewListValidator(r io.Reader) (*ListValidator, error) {
	v := &ListValidator{users: make(map[string]userEntry)}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		pieces := strings.Fields(scanner.Text())
		if len(pieces) != 3 || strings.HasPrefix(pieces[0], "#") {
			continue
		}
		v.users[pieces[2]] = userEntry{user: pieces[0], role: ParseRole(pieces[1])}
	}
	return v, scanner.Err()
}

// NewListValidatorFile reads the user list in the named file.
func NewListValidatorFile(fs afero.Fs, name string) (*ListValidator, error) {
	f, err := fs.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewListValidator(f)
}

func (v *ListValidator) TokenValid(token string) (string, Role, error) {
	u, ok := v.users[token]
	if !ok || token == "" {
		return "", RoleUnknown, nil
	}
	return u.user, u.role, nil
}
