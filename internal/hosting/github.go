package hosting

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v48/github"
	"golang.org/x/oauth2"
)

// GitHubClient implements Client on top of the GitHub REST API
type GitHubClient struct {
	gh *github.Client
}

// NewHTTPClient returns an HTTP client that authenticates with token. An empty
// token yields an unauthenticated client.
func NewHTTPClient(ctx context.Context, token string) *http.Client {
	if token == "" {
		return &http.Client{}
	}
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	return oauth2.NewClient(ctx, ts)
}

// NewGitHubClient creates a client using httpClient. baseURL overrides the API
// endpoint (GitHub Enterprise or tests); empty means api.github.com.
func NewGitHubClient(httpClient *http.Client, baseURL string) (*GitHubClient, error) {
	gh := github.NewClient(httpClient)

	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub API URL %q: %w", baseURL, err)
		}
		gh.BaseURL = u
	}

	return &GitHubClient{gh: gh}, nil
}

// ListTags returns up to limit tags in the order GitHub lists them
func (c *GitHubClient) ListTags(ctx context.Context, owner, repo string, limit int) ([]Tag, error) {
	tags, _, err := c.gh.Repositories.ListTags(ctx, owner, repo, &github.ListOptions{PerPage: limit})
	if err != nil {
		return nil, fmt.Errorf("failed to list tags of %s/%s: %w", owner, repo, translateError(err))
	}
	if len(tags) == 0 {
		return nil, fmt.Errorf("%s/%s: %w", owner, repo, ErrNoTags)
	}
	if limit > 0 && len(tags) > limit {
		tags = tags[:limit]
	}

	result := make([]Tag, 0, len(tags))
	for _, t := range tags {
		result = append(result, Tag{
			Name:      t.GetName(),
			CommitSHA: t.GetCommit().GetSHA(),
		})
	}
	return result, nil
}

// Compare compares base against head in owner/repo
func (c *GitHubClient) Compare(ctx context.Context, owner, repo, base, head string) (*Comparison, error) {
	cmp, _, err := c.gh.Repositories.CompareCommits(ctx, owner, repo, base, head, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to compare %s...%s in %s/%s: %w", base, head, owner, repo, translateError(err))
	}

	return &Comparison{
		AheadBy:  cmp.GetAheadBy(),
		BehindBy: cmp.GetBehindBy(),
		Status:   cmp.GetStatus(),
	}, nil
}

// GetBranchRef resolves refs/heads/<branch>
func (c *GitHubClient) GetBranchRef(ctx context.Context, owner, repo, branch string) (*RefObject, error) {
	ref, _, err := c.gh.Git.GetRef(ctx, owner, repo, "heads/"+branch)
	if err != nil {
		return nil, fmt.Errorf("failed to read branch %s of %s/%s: %w", branch, owner, repo, translateError(err))
	}

	kind, err := ParseObjectKind(ref.GetObject().GetType())
	if err != nil {
		return nil, fmt.Errorf("branch %s of %s/%s: %w", branch, owner, repo, err)
	}

	return &RefObject{
		Kind: kind,
		SHA:  ref.GetObject().GetSHA(),
	}, nil
}

// CreateRef creates ref pointing at sha
func (c *GitHubClient) CreateRef(ctx context.Context, owner, repo, ref, sha string) error {
	_, _, err := c.gh.Git.CreateRef(ctx, owner, repo, &github.Reference{
		Ref:    github.String(ref),
		Object: &github.GitObject{SHA: github.String(sha)},
	})
	if err != nil {
		return fmt.Errorf("failed to create %s in %s/%s: %w", ref, owner, repo, translateError(err))
	}
	return nil
}

// translateError maps GitHub API errors onto the package sentinels
func translateError(err error) error {
	var ghErr *github.ErrorResponse
	if !errors.As(err, &ghErr) || ghErr.Response == nil {
		return err
	}

	switch ghErr.Response.StatusCode {
	case http.StatusUnprocessableEntity:
		if strings.Contains(strings.ToLower(ghErr.Message), "already exists") {
			return fmt.Errorf("%w: %w", ErrRefExists, err)
		}
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}
