// Package sync replicates new upstream release tags onto forks.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/schaermu/tagsyncd/internal/config"
	"github.com/schaermu/tagsyncd/internal/hosting"
	"github.com/schaermu/tagsyncd/internal/state"
)

// Outcome is where a single entry's cycle stopped
type Outcome int

const (
	// OutcomeFailed means the cycle was abandoned because of an error
	OutcomeFailed Outcome = iota
	// OutcomeBaseline means the repository was seen for the first time
	OutcomeBaseline
	// OutcomeUnchanged means the latest upstream tag was already known
	OutcomeUnchanged
	// OutcomePrerelease means a new prerelease tag was ignored
	OutcomePrerelease
	// OutcomeForkBehind means the fork lacks upstream commits
	OutcomeForkBehind
	// OutcomeDryRun means a push was due but dry-run is enabled
	OutcomeDryRun
	// OutcomePushed means the tag was created on the fork
	OutcomePushed
	// OutcomeAlreadyExists means the fork already had the tag
	OutcomeAlreadyExists
)

var outcomeNames = map[Outcome]string{
	OutcomeFailed:        "failed",
	OutcomeBaseline:      "baseline",
	OutcomeUnchanged:     "unchanged",
	OutcomePrerelease:    "prerelease",
	OutcomeForkBehind:    "fork-behind",
	OutcomeDryRun:        "dry-run",
	OutcomePushed:        "pushed",
	OutcomeAlreadyExists: "already-exists",
}

func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// PassSummary counts the outcomes of one pass over all entries
type PassSummary struct {
	ID       string
	Outcomes map[Outcome]int
	// Interrupted is set when the context was cancelled before every entry ran.
	Interrupted bool
}

// Count returns how many entries ended with o
func (s PassSummary) Count(o Outcome) int {
	return s.Outcomes[o]
}

// Total returns the number of entries processed
func (s PassSummary) Total() int {
	n := 0
	for _, c := range s.Outcomes {
		n += c
	}
	return n
}

// Engine decides, per entry, whether the latest upstream tag must be pushed
// to the fork and performs the push.
type Engine struct {
	client hosting.Client
	logger *slog.Logger
	dryRun bool
}

// NewEngine creates a new sync engine
func NewEngine(client hosting.Client, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		client: client,
		logger: logger,
		dryRun: dryRun,
	}
}

// RunPass processes entries one at a time in order, recording observations in
// store. It only stops early if ctx is cancelled between two entries: an entry
// that has started runs to a stopping point even if ctx is cancelled meanwhile,
// since its observation is already recorded.
func (e *Engine) RunPass(ctx context.Context, store *state.Store, entries []config.Entry) PassSummary {
	summary := PassSummary{
		ID:       uuid.NewString(),
		Outcomes: make(map[Outcome]int),
	}
	logger := e.logger.With("pass_id", summary.ID)

	logger.Info("starting sync pass", "entries", len(entries), "dry_run", e.dryRun)

	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			logger.Warn("sync pass interrupted", "remaining", len(entries)-i, "error", err)
			summary.Interrupted = true
			break
		}
		outcome := e.syncEntry(context.WithoutCancel(ctx), logger, store, entry)
		summary.Outcomes[outcome]++
	}

	logger.Info("sync pass finished",
		"pushed", summary.Count(OutcomePushed),
		"already_exists", summary.Count(OutcomeAlreadyExists),
		"fork_behind", summary.Count(OutcomeForkBehind),
		"failed", summary.Count(OutcomeFailed))

	return summary
}

// SyncEntry runs one fetch/observe/check/push cycle for entry
func (e *Engine) SyncEntry(ctx context.Context, store *state.Store, entry config.Entry) Outcome {
	return e.syncEntry(ctx, e.logger, store, entry)
}

func (e *Engine) syncEntry(ctx context.Context, logger *slog.Logger, store *state.Store, entry config.Entry) Outcome {
	log := logger.With("upstream", entry.Upstream(), "fork", entry.Fork())

	// Fetch
	tags, err := e.client.ListTags(ctx, entry.UpstreamOwner, entry.UpstreamRepo, 1)
	if err != nil {
		if errors.Is(err, hosting.ErrNoTags) {
			log.Warn("upstream repository has no tags, skipping")
		} else {
			log.Error("failed to fetch latest upstream tag", "error", err)
		}
		return OutcomeFailed
	}
	latest := tags[0]

	// Observe
	tagState := store.GetOrCreate(entry.UpstreamOwner, entry.UpstreamRepo)
	obs := tagState.Observe(state.TagInfo{Name: latest.Name, CommitSHA: latest.CommitSHA})
	if obs.First {
		log.Info("first observation, recording baseline tag", "tag", latest.Name)
		return OutcomeBaseline
	}
	if !obs.Changed {
		log.Info("no new tag", "tag", latest.Name)
		return OutcomeUnchanged
	}

	log = log.With("tag", latest.Name, "previous", tagState.PreviousTag.Name)
	log.Info("new upstream tag detected")

	if entry.IgnorePrereleases && isPrerelease(latest.Name) {
		log.Info("ignoring prerelease tag")
		return OutcomePrerelease
	}

	// Check freshness
	fresh, err := e.IsForkFresh(ctx, entry)
	if err != nil {
		log.Error("failed to check fork freshness", "error", err)
		return OutcomeFailed
	}
	if !fresh {
		log.Info("fork is not up to date, skipping tag push")
		return OutcomeForkBehind
	}

	if e.dryRun {
		log.Info("[dry-run] would push tag to fork", "branch", entry.ForkBranch)
		return OutcomeDryRun
	}

	// Push
	sha, err := e.PushTag(ctx, entry.ForkOwner, entry.ForkRepo, entry.ForkBranch, latest.Name)
	switch {
	case err == nil:
		log.Info("pushed tag to fork", "sha", sha)
		return OutcomePushed
	case errors.Is(err, hosting.ErrRefExists):
		log.Info("tag already exists on fork", "error", err)
		return OutcomeAlreadyExists
	default:
		log.Error("failed to push tag", "error", err)
		return OutcomeFailed
	}
}

// IsForkFresh reports whether the fork branch contains every commit of the
// upstream branch. Forks that are only ahead of upstream are fresh.
func (e *Engine) IsForkFresh(ctx context.Context, entry config.Entry) (bool, error) {
	head := hosting.ForkHead(entry.ForkOwner, entry.ForkRepo, entry.ForkBranch)
	cmp, err := e.client.Compare(ctx, entry.UpstreamOwner, entry.UpstreamRepo, entry.UpstreamBranch, head)
	if err != nil {
		return false, err
	}

	e.logger.Debug("compared fork with upstream",
		"upstream", entry.Upstream(),
		"base", entry.UpstreamBranch,
		"head", head,
		"ahead_by", cmp.AheadBy,
		"behind_by", cmp.BehindBy)

	return cmp.BehindBy == 0, nil
}

// PushTag creates tagName on the fork, pointing at the tip of branch. It
// returns the SHA the new tag points at.
func (e *Engine) PushTag(ctx context.Context, owner, repo, branch, tagName string) (string, error) {
	obj, err := e.client.GetBranchRef(ctx, owner, repo, branch)
	if err != nil {
		return "", err
	}

	var sha string
	switch obj.Kind {
	case hosting.ObjectCommit, hosting.ObjectTag:
		sha = obj.SHA
	default:
		return "", fmt.Errorf("branch %s of %s/%s: %w: %s", branch, owner, repo, hosting.ErrUnsupportedObject, obj.Kind)
	}

	if err := e.client.CreateRef(ctx, owner, repo, hosting.TagRef(tagName), sha); err != nil {
		return "", err
	}
	return sha, nil
}

// isPrerelease reports whether name is a semantic version with a prerelease
// component. Names that are not semantic versions are never prereleases.
func isPrerelease(name string) bool {
	v, err := semver.NewVersion(name)
	if err != nil {
		return false
	}
	return v.Prerelease() != ""
}
