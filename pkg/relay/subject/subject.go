// Package subject resolves session metadata for a known conversation subject.
// The backing store is external; the relay only consumes Lookup results to
// prime the upstream session with prior context.
package subject

import (
	"context"
	"errors"

	"github.com/voxwire-ai/voxwire/pkg/relay/auth"
)

// ErrNotFound is returned when no subject matches the requested id.
var ErrNotFound = errors.New("subject: not found")

// Subject is the metadata attached to a session at start.
type Subject struct {
	ID          string
	DisplayName string

	// Context holds prior-conversation summaries injected upstream, oldest
	// first. Entries prefixed "assistant:" are attributed to the assistant;
	// everything else to the user.
	Context []string
}

// Provider looks up subjects. Implementations must be safe for concurrent use.
type Provider interface {
	Lookup(ctx context.Context, principal auth.Principal, subjectID string) (Subject, error)
}

// Static serves subjects from a fixed in-memory table.
type Static struct {
	Subjects map[string]Subject
}

func (s *Static) Lookup(_ context.Context, _ auth.Principal, subjectID string) (Subject, error) {
	sub, ok := s.Subjects[subjectID]
	if !ok {
		return Subject{}, ErrNotFound
	}
	return sub, nil
}
