// Package testutil provides an in-process fake of the GitHub REST endpoints
// used by tagsyncd.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// FakeTag is a tag served by FakeGitHub
type FakeTag struct {
	Name string
	SHA  string
}

// FakeObject is the object a fake branch points at
type FakeObject struct {
	Type string
	SHA  string
}

// CreatedRef records a successful POST to the git refs endpoint
type CreatedRef struct {
	Repo string
	Ref  string
	SHA  string
}

// FakeGitHub serves the tags, compare, get-ref and create-ref endpoints for a
// set of in-memory repositories. Repositories are addressed as "owner/repo".
type FakeGitHub struct {
	Server *httptest.Server

	mu       sync.Mutex
	tags     map[string][]FakeTag
	behindBy map[string]int
	aheadBy  map[string]int
	branches map[string]FakeObject
	refs     map[string]map[string]string
	failures map[string]int
	created  []CreatedRef
	requests []string
}

// NewFakeGitHub starts a fake API server that is closed when the test ends
func NewFakeGitHub(t *testing.T) *FakeGitHub {
	t.Helper()
	f := &FakeGitHub{
		tags:     make(map[string][]FakeTag),
		behindBy: make(map[string]int),
		aheadBy:  make(map[string]int),
		branches: make(map[string]FakeObject),
		refs:     make(map[string]map[string]string),
		failures: make(map[string]int),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serveHTTP))
	t.Cleanup(f.Server.Close)
	return f
}

// URL returns the API base URL of the fake server
func (f *FakeGitHub) URL() string {
	return f.Server.URL + "/"
}

// SetTags replaces the tags of repo, most recent first
func (f *FakeGitHub) SetTags(repo string, tags ...FakeTag) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tags[repo] = tags
}

// SetComparison sets the result of comparing any base against head in repo
func (f *FakeGitHub) SetComparison(repo, head string, aheadBy, behindBy int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aheadBy[repo+"|"+head] = aheadBy
	f.behindBy[repo+"|"+head] = behindBy
}

// SetBranch points branch of repo at obj
func (f *FakeGitHub) SetBranch(repo, branch string, obj FakeObject) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.branches[repo+"|"+branch] = obj
}

// AddRef registers an existing ref so that creating it again conflicts
func (f *FakeGitHub) AddRef(repo, ref, sha string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addRefLocked(repo, ref, sha)
}

// FailEndpoint makes every request to endpoint ("tags", "compare", "ref",
// "refs") answer with status
func (f *FakeGitHub) FailEndpoint(endpoint string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[endpoint] = status
}

// Created returns all refs created so far
func (f *FakeGitHub) Created() []CreatedRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CreatedRef(nil), f.created...)
}

// Requests returns "METHOD endpoint repo" for every request served
func (f *FakeGitHub) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

// CountRequests returns how many requests hit endpoint
func (f *FakeGitHub) CountRequests(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if strings.Fields(r)[1] == endpoint {
			n++
		}
	}
	return n
}

func (f *FakeGitHub) addRefLocked(repo, ref, sha string) {
	if f.refs[repo] == nil {
		f.refs[repo] = make(map[string]string)
	}
	f.refs[repo][ref] = sha
}

func (f *FakeGitHub) serveHTTP(w http.ResponseWriter, r *http.Request) {
	// /repos/{owner}/{repo}/{rest...}
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/repos/"), "/", 3)
	if len(parts) < 3 {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}
	repo := parts[0] + "/" + parts[1]
	rest := parts[2]

	endpoint := ""
	switch {
	case rest == "tags" && r.Method == http.MethodGet:
		endpoint = "tags"
	case strings.HasPrefix(rest, "compare/") && r.Method == http.MethodGet:
		endpoint = "compare"
	case strings.HasPrefix(rest, "git/ref/") && r.Method == http.MethodGet:
		endpoint = "ref"
	case rest == "git/refs" && r.Method == http.MethodPost:
		endpoint = "refs"
	default:
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, fmt.Sprintf("%s %s %s", r.Method, endpoint, repo))

	if status, ok := f.failures[endpoint]; ok {
		writeError(w, status, http.StatusText(status))
		return
	}

	switch endpoint {
	case "tags":
		f.serveTags(w, r, repo)
	case "compare":
		f.serveCompare(w, repo, strings.TrimPrefix(rest, "compare/"))
	case "ref":
		f.serveRef(w, repo, strings.TrimPrefix(rest, "git/ref/"))
	case "refs":
		f.serveCreateRef(w, r, repo)
	}
}

func (f *FakeGitHub) serveTags(w http.ResponseWriter, r *http.Request, repo string) {
	tags, ok := f.tags[repo]
	if !ok {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}
	if perPage, err := strconv.Atoi(r.URL.Query().Get("per_page")); err == nil && perPage > 0 && perPage < len(tags) {
		tags = tags[:perPage]
	}

	type commit struct {
		SHA string `json:"sha"`
	}
	type tag struct {
		Name   string `json:"name"`
		Commit commit `json:"commit"`
	}
	body := make([]tag, 0, len(tags))
	for _, t := range tags {
		body = append(body, tag{Name: t.Name, Commit: commit{SHA: t.SHA}})
	}
	writeJSON(w, http.StatusOK, body)
}

func (f *FakeGitHub) serveCompare(w http.ResponseWriter, repo, basehead string) {
	base, head, ok := strings.Cut(basehead, "...")
	if !ok || base == "" {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}
	key := repo + "|" + head
	behind, ok := f.behindBy[key]
	if !ok {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}
	ahead := f.aheadBy[key]

	status := "identical"
	switch {
	case ahead > 0 && behind > 0:
		status = "diverged"
	case ahead > 0:
		status = "ahead"
	case behind > 0:
		status = "behind"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"ahead_by":  ahead,
		"behind_by": behind,
	})
}

func (f *FakeGitHub) serveRef(w http.ResponseWriter, repo, ref string) {
	branch, ok := strings.CutPrefix(ref, "heads/")
	if !ok {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}
	obj, ok := f.branches[repo+"|"+branch]
	if !ok {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ref": "refs/" + ref,
		"object": map[string]string{
			"type": obj.Type,
			"sha":  obj.SHA,
		},
	})
}

func (f *FakeGitHub) serveCreateRef(w http.ResponseWriter, r *http.Request, repo string) {
	var req struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Problems parsing JSON")
		return
	}
	if _, exists := f.refs[repo][req.Ref]; exists {
		writeError(w, http.StatusUnprocessableEntity, "Reference already exists")
		return
	}

	f.addRefLocked(repo, req.Ref, req.SHA)
	f.created = append(f.created, CreatedRef{Repo: repo, Ref: req.Ref, SHA: req.SHA})
	writeJSON(w, http.StatusCreated, map[string]any{
		"ref": req.Ref,
		"object": map[string]string{
			"type": "commit",
			"sha":  req.SHA,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
