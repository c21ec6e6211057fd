// Package dom is the narrow view the agent has of the host page: a handful of
// structural queries and exactly two kinds of mutation (mounting the control
// surface and replacing the compose target's contents).
package dom

import (
	"context"
	"errors"
)

// InsertResult reports what InsertBefore found.
type InsertResult int

const (
	// TargetMissing means the anchor element was not in the document.
	TargetMissing InsertResult = iota
	// AlreadyPresent means a node with the requested id already existed.
	AlreadyPresent
	// Inserted means a new container node was created.
	Inserted
)

func (r InsertResult) String() string {
	switch r {
	case AlreadyPresent:
		return "already_present"
	case Inserted:
		return "inserted"
	default:
		return "target_missing"
	}
}

// ErrNodeMissing is returned by SetHTML when the container is gone.
var ErrNodeMissing = errors.New("dom: node not found")

// Document is the host page as seen by the lifecycle. Implementations must be
// safe for use from multiple goroutines.
type Document interface {
	// LatestMessageText returns the text content of the first element
	// matching messageSel inside the first element matching containerSel.
	// found is false when either is absent.
	LatestMessageText(ctx context.Context, containerSel, messageSel string) (text string, found bool, err error)

	// Exists reports whether a node with the given id is in the document.
	Exists(ctx context.Context, id string) (bool, error)

	// Matches reports whether any element matches sel.
	Matches(ctx context.Context, sel string) (bool, error)

	// InsertBefore creates one empty container bearing id immediately before
	// the first element matching targetSel, as its previous sibling.
	InsertBefore(ctx context.Context, targetSel, id string) (InsertResult, error)

	// SetHTML renders markup into the container with the given id.
	SetHTML(ctx context.Context, id, markup string) error

	// ReplaceContents overwrites everything inside the first element matching
	// targetSel with text. Whatever the user had typed there is discarded:
	// the contract is replace, not merge.
	ReplaceContents(ctx context.Context, targetSel, text string) (bool, error)
}
