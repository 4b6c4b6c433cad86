// Package rid implements record identifiers of the form orn:<namespace>:<reference>.
package rid

import (
	"fmt"
	"strings"
)

const scheme = "orn"

// Well-known record types.
const (
	KoiNetNode   Type = "orn:koi-net.node"
	KoiNetEdge   Type = "orn:koi-net.edge"
	GithubCommit Type = "orn:github.commit"
	HackMDNote   Type = "orn:hackmd.note"
	VaultNote    Type = "orn:vault.note"
)

// Type identifies a class of records, e.g. "orn:hackmd.note".
type Type string

// String implements fmt.Stringer.
func (t Type) String() string { return string(t) }

// RID is an immutable record identifier. Two RIDs are equal when their
// string forms are equal.
type RID string

// New builds a RID of type t for the given reference.
func New(t Type, reference string) RID {
	return RID(string(t) + ":" + reference)
}

// Parse validates s and returns it as a RID.
func Parse(s string) (RID, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[0] != scheme || parts[1] == "" || parts[2] == "" {
		return "", fmt.Errorf("rid: invalid identifier %q", s)
	}
	return RID(s), nil
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) RID {
	r, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return r
}

// Type returns the record type portion of the RID.
func (r RID) Type() Type {
	parts := strings.SplitN(string(r), ":", 3)
	if len(parts) < 2 {
		return ""
	}
	return Type(parts[0] + ":" + parts[1])
}

// Reference returns the type-specific part after the namespace.
func (r RID) Reference() string {
	parts := strings.SplitN(string(r), ":", 3)
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}

// String implements fmt.Stringer.
func (r RID) String() string { return string(r) }

// Contains reports whether types includes t.
func Contains(types []Type, t Type) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}
