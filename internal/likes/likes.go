// Package likes implements the like-toggle rules for posts.
//
// A Set is the ordered collection of usernames that liked a post. Toggle
// decides, for one acting user, whether a request likes or unlikes and
// returns the resulting count and set without mutating its inputs.
package likes

import "strings"

// Delimiter precedes every entry in the legacy encoded form ",alice,bob".
const Delimiter = ","

// Action is the outcome of a toggle.
type Action int

const (
	// Liked means the acting user was added.
	Liked Action = iota + 1
	// Unliked means the acting user was removed.
	Unliked
)

func (a Action) String() string {
	switch a {
	case Liked:
		return "liked"
	case Unliked:
		return "unliked"
	default:
		return "unknown"
	}
}

// Set is an insertion-ordered set of usernames. The zero value is empty.
type Set struct {
	names []string
}

// NewSet builds a set from names, dropping empties and later duplicates.
func NewSet(names ...string) Set {
	var s Set
	for _, n := range names {
		if n == "" || s.Contains(n) {
			continue
		}
		s.names = append(s.names, n)
	}
	return s
}

// ParseSet decodes the legacy delimited form.
func ParseSet(encoded string) Set {
	return NewSet(strings.Split(encoded, Delimiter)...)
}

// Encode renders the set in the legacy delimited form. An empty set encodes to "".
func (s Set) Encode() string {
	var b strings.Builder
	for _, n := range s.names {
		b.WriteString(Delimiter)
		b.WriteString(n)
	}
	return b.String()
}

// Contains reports exact membership.
func (s Set) Contains(name string) bool {
	for _, n := range s.names {
		if n == name {
			return true
		}
	}
	return false
}

// Len returns the number of members.
func (s Set) Len() int {
	return len(s.names)
}

// Names returns a copy of the members in order.
func (s Set) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

func (s Set) with(name string) Set {
	out := make([]string, len(s.names), len(s.names)+1)
	copy(out, s.names)
	return Set{names: append(out, name)}
}

func (s Set) without(name string) Set {
	out := make([]string, 0, len(s.names))
	for _, n := range s.names {
		if n != name {
			out = append(out, n)
		}
	}
	return Set{names: out}
}

// Toggle likes the post for actor when actor is absent from likedBy and
// unlikes it otherwise. The count never drops below zero.
func Toggle(actor string, count int, likedBy Set) (int, Set, Action) {
	if likedBy.Contains(actor) {
		count--
		if count < 0 {
			count = 0
		}
		return count, likedBy.without(actor), Unliked
	}
	if count < 0 {
		count = 0
	}
	return count + 1, likedBy.with(actor), Liked
}
