// Package hosting talks to the source-hosting API (GitHub) on behalf of the
// sync engine.
package hosting

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNoTags is returned when a repository has no tags at all
	ErrNoTags = errors.New("repository has no tags")
	// ErrRefExists is returned when creating a ref that is already present
	ErrRefExists = errors.New("reference already exists")
	// ErrNotFound is returned for unknown repositories, branches or refs
	ErrNotFound = errors.New("not found")
	// ErrUnsupportedObject is returned when a branch points at something other
	// than a commit or an annotated tag
	ErrUnsupportedObject = errors.New("unsupported git object type")
)

// Client provides the hosting operations needed to propagate tags
type Client interface {
	// ListTags returns up to limit tags, most recent first
	ListTags(ctx context.Context, owner, repo string, limit int) ([]Tag, error)
	// Compare compares base against head within owner/repo
	Compare(ctx context.Context, owner, repo, base, head string) (*Comparison, error)
	// GetBranchRef resolves the tip object of a branch
	GetBranchRef(ctx context.Context, owner, repo, branch string) (*RefObject, error)
	// CreateRef creates a fully qualified ref (e.g. refs/tags/v1.0) pointing at sha
	CreateRef(ctx context.Context, owner, repo, ref, sha string) error
}

// Tag is a tag as listed by the hosting API
type Tag struct {
	Name      string
	CommitSHA string
}

// Comparison is the relationship between two refs
type Comparison struct {
	AheadBy  int
	BehindBy int
	Status   string
}

// ObjectKind is the type of git object a ref points at
type ObjectKind int

const (
	// ObjectCommit is a ref pointing directly at a commit
	ObjectCommit ObjectKind = iota + 1
	// ObjectTag is a ref pointing at an annotated tag object
	ObjectTag
)

func (k ObjectKind) String() string {
	switch k {
	case ObjectCommit:
		return "commit"
	case ObjectTag:
		return "tag"
	default:
		return fmt.Sprintf("ObjectKind(%d)", int(k))
	}
}

// ParseObjectKind maps an API object type onto an ObjectKind. Only commits and
// annotated tags are accepted.
func ParseObjectKind(s string) (ObjectKind, error) {
	switch s {
	case "commit":
		return ObjectCommit, nil
	case "tag":
		return ObjectTag, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedObject, s)
	}
}

// RefObject is the object a ref points at
type RefObject struct {
	Kind ObjectKind
	SHA  string
}

// TagRef returns the fully qualified ref name for a tag
func TagRef(name string) string {
	return "refs/tags/" + name
}

// ForkHead returns the cross-repository head notation used to compare an
// upstream branch against a fork branch.
func ForkHead(owner, repo, branch string) string {
	return fmt.Sprintf("%s:%s:%s", owner, repo, branch)
}
