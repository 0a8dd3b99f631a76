// Package state tracks the most recently observed upstream tags per repository
// and persists them between runs.
package state

import (
	"log/slog"
	"sort"
)

// TagInfo is a tag as observed on the upstream repository
type TagInfo struct {
	Name      string `toml:"name"`
	CommitSHA string `toml:"commit_sha"`
}

// RepoTagState remembers the two most recently observed tags of a repository.
// A nil slot means no tag has been observed for it yet.
type RepoTagState struct {
	LatestTag   *TagInfo `toml:"latest_tag,omitempty"`
	PreviousTag *TagInfo `toml:"previous_tag,omitempty"`
}

// Observation is the result of recording a newly fetched tag
type Observation struct {
	// First is set when there was no latest tag before the observation.
	First bool
	// Changed is set when the tag name differs from the previous latest tag.
	Changed bool
}

// Actionable reports whether the observation represents a tag transition
// that may be propagated.
func (o Observation) Actionable() bool {
	return !o.First && o.Changed
}

// Observe shifts the latest tag into the previous slot and records tag as the
// latest one. It must be called on every poll, even when the tag is unchanged,
// so that the previous slot is always exactly one poll behind.
func (s *RepoTagState) Observe(tag TagInfo) Observation {
	s.PreviousTag = s.LatestTag
	observed := tag
	s.LatestTag = &observed

	if s.PreviousTag == nil {
		return Observation{First: true}
	}
	return Observation{Changed: s.PreviousTag.Name != tag.Name}
}

// RepoKey identifies a tracked repository
type RepoKey struct {
	Owner string
	Repo  string
}

func (k RepoKey) String() string {
	return k.Owner + "/" + k.Repo
}

// Store maps owner -> repository -> tag state. Entries are created lazily
// and never removed.
type Store struct {
	Repos map[string]map[string]*RepoTagState `toml:"repos"`
}

// NewStore returns an empty store
func NewStore() *Store {
	return &Store{Repos: make(map[string]map[string]*RepoTagState)}
}

// GetOrCreate returns the state for owner/repo, inserting an empty one if the
// repository has never been observed.
func (s *Store) GetOrCreate(owner, repo string) *RepoTagState {
	if s.Repos == nil {
		s.Repos = make(map[string]map[string]*RepoTagState)
	}
	repos, ok := s.Repos[owner]
	if !ok {
		repos = make(map[string]*RepoTagState)
		s.Repos[owner] = repos
	}
	st, ok := repos[repo]
	if !ok || st == nil {
		st = &RepoTagState{}
		repos[repo] = st
	}
	return st
}

// Get returns the state for owner/repo without creating it
func (s *Store) Get(owner, repo string) (*RepoTagState, bool) {
	st, ok := s.Repos[owner][repo]
	if !ok || st == nil {
		return nil, false
	}
	return st, true
}

// Keys returns all tracked repositories sorted by owner then repository
func (s *Store) Keys() []RepoKey {
	keys := make([]RepoKey, 0)
	for owner, repos := range s.Repos {
		for repo := range repos {
			keys = append(keys, RepoKey{Owner: owner, Repo: repo})
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Owner != keys[j].Owner {
			return keys[i].Owner < keys[j].Owner
		}
		return keys[i].Repo < keys[j].Repo
	})
	return keys
}

// Len returns the number of tracked repositories
func (s *Store) Len() int {
	n := 0
	for _, repos := range s.Repos {
		n += len(repos)
	}
	return n
}

// Backend is the durable form of a Store
type Backend interface {
	// Load reads the full store. A missing store is not an error.
	Load() (*Store, error)
	// Save replaces the durable store with s.
	Save(s *Store) error
	// Location describes where the store lives, for logging.
	Location() string
	Close() error
}

// Load reads the store from backend. Unreadable or malformed state is logged
// and replaced by an empty store so that a bad file never blocks polling.
func Load(backend Backend, logger *slog.Logger) *Store {
	s, err := backend.Load()
	if err != nil {
		logger.Warn("failed to load previous state (will start with empty state)",
			"location", backend.Location(),
			"error", err)
		return NewStore()
	}
	if s == nil {
		return NewStore()
	}
	return s
}
