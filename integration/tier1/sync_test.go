//go:build integration

package tier1

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/schaermu/tagsyncd/internal/testutil"
)

func TestTier1Sync(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	h := NewHarness(t)
	if err := h.BuildBinary(ctx); err != nil {
		t.Fatalf("build binary: %v", err)
	}

	fake := testutil.NewFakeGitHub(t)
	fake.SetTags("golang/go", testutil.FakeTag{Name: "go1.22.0", SHA: "up0"})
	fake.SetComparison("golang/go", "me:go:master", 0, 0)
	fake.SetBranch("me/go", "master", testutil.FakeObject{Type: "commit", SHA: "fork1"})

	h.WriteConfig(fake.URL(), "toml", Entry("golang/go", "master", "me/go", "master"))

	t.Run("A_FirstSyncRecordsBaseline", func(t *testing.T) {
		testFirstSyncRecordsBaseline(t, h, ctx, fake)
	})

	t.Run("B_NewTagIsPushed", func(t *testing.T) {
		testNewTagIsPushed(t, h, ctx, fake)
	})

	t.Run("C_NoOpSync", func(t *testing.T) {
		testNoOpSync(t, h, ctx, fake)
	})

	t.Run("D_ForkBehindSkipsPush", func(t *testing.T) {
		testForkBehindSkipsPush(t, h, ctx, fake)
	})

	t.Run("E_DryRunMode", func(t *testing.T) {
		testDryRunMode(t, h, ctx, fake)
	})

	t.Run("F_StateCommand", func(t *testing.T) {
		testStateCommand(t, h, ctx)
	})

	t.Run("G_SaveFailureExitsNonZero", func(t *testing.T) {
		testSaveFailureExitsNonZero(t, h, ctx)
	})
}

// testFirstSyncRecordsBaseline checks that the first observation only records state
func testFirstSyncRecordsBaseline(t *testing.T, h *Harness, ctx context.Context, fake *testutil.FakeGitHub) {
	stdout, stderr := h.MustRun(ctx, "sync")
	t.Logf("stdout: %s", stdout)
	t.Logf("stderr: %s", stderr)

	if !h.FileExists(h.StatePath()) {
		t.Fatal("state file does not exist")
	}
	content, err := h.ReadFile(h.StatePath())
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	if !strings.Contains(content, "go1.22.0") {
		t.Errorf("state does not contain baseline tag:\n%s", content)
	}
	if len(fake.Created()) != 0 {
		t.Errorf("expected no refs on first observation, got %v", fake.Created())
	}
	if fake.CountRequests("compare") != 0 {
		t.Error("freshness checked on first observation")
	}
}

// testNewTagIsPushed checks that a tag appearing between runs reaches the fork
func testNewTagIsPushed(t *testing.T, h *Harness, ctx context.Context, fake *testutil.FakeGitHub) {
	fake.SetTags("golang/go",
		testutil.FakeTag{Name: "go1.22.1", SHA: "up1"},
		testutil.FakeTag{Name: "go1.22.0", SHA: "up0"})

	h.MustRun(ctx, "sync")

	created := fake.Created()
	if len(created) != 1 {
		t.Fatalf("expected 1 created ref, got %v", created)
	}
	want := testutil.CreatedRef{Repo: "me/go", Ref: "refs/tags/go1.22.1", SHA: "fork1"}
	if created[0] != want {
		t.Errorf("created %+v, want %+v", created[0], want)
	}
}

// testNoOpSync checks that an unchanged tag is not pushed again
func testNoOpSync(t *testing.T, h *Harness, ctx context.Context, fake *testutil.FakeGitHub) {
	compares := fake.CountRequests("compare")

	h.MustRun(ctx, "sync")

	if len(fake.Created()) != 1 {
		t.Errorf("expected no additional refs, got %v", fake.Created())
	}
	if fake.CountRequests("compare") != compares {
		t.Error("freshness checked for an unchanged tag")
	}
}

// testForkBehindSkipsPush checks the freshness gate and that state still advances
func testForkBehindSkipsPush(t *testing.T, h *Harness, ctx context.Context, fake *testutil.FakeGitHub) {
	fake.SetTags("golang/go", testutil.FakeTag{Name: "go1.22.2", SHA: "up2"})
	fake.SetComparison("golang/go", "me:go:master", 0, 3)

	h.MustRun(ctx, "sync")

	if len(fake.Created()) != 1 {
		t.Errorf("expected no push while fork is behind, got %v", fake.Created())
	}
	content, err := h.ReadFile(h.StatePath())
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	if !strings.Contains(content, "go1.22.2") {
		t.Errorf("state did not advance to go1.22.2:\n%s", content)
	}

	// Catching up later does not resurrect the skipped tag
	fake.SetComparison("golang/go", "me:go:master", 0, 0)
	h.MustRun(ctx, "sync")
	if len(fake.Created()) != 1 {
		t.Errorf("skipped tag was pushed after fork caught up: %v", fake.Created())
	}
}

// testDryRunMode checks that --dry-run neither creates refs nor saves state
func testDryRunMode(t *testing.T, h *Harness, ctx context.Context, fake *testutil.FakeGitHub) {
	before, err := h.ReadFile(h.StatePath())
	if err != nil {
		t.Fatalf("read state: %v", err)
	}

	fake.SetTags("golang/go", testutil.FakeTag{Name: "go1.23.0", SHA: "up3"})
	h.MustRun(ctx, "sync", "--dry-run")

	if len(fake.Created()) != 1 {
		t.Errorf("dry-run created refs: %v", fake.Created())
	}
	after, err := h.ReadFile(h.StatePath())
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	if before != after {
		t.Errorf("dry-run modified state:\nbefore:\n%s\nafter:\n%s", before, after)
	}
}

// testStateCommand checks the state table output
func testStateCommand(t *testing.T, h *Harness, ctx context.Context) {
	stdout, _ := h.MustRun(ctx, "state", "--log-level", "error")

	for _, want := range []string{"REPOSITORY", "golang/go", "go1.22.2"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("state output missing %q:\n%s", want, stdout)
		}
	}
}

// testSaveFailureExitsNonZero checks that a state write failure is fatal
func testSaveFailureExitsNonZero(t *testing.T, h *Harness, ctx context.Context) {
	h.ResetState()
	// A directory in place of the state file cannot be replaced by rename
	if err := os.MkdirAll(h.StatePath(), 0755); err != nil {
		t.Fatalf("create blocking directory: %v", err)
	}
	if err := h.WriteFile(h.StatePath()+"/keep", "x"); err != nil {
		t.Fatalf("populate blocking directory: %v", err)
	}

	_, stderr, exitCode, err := h.Run(ctx, "sync")
	if err != nil {
		t.Fatalf("exec failed: %v", err)
	}
	if exitCode == 0 {
		t.Errorf("expected non-zero exit code when state cannot be saved, stderr: %s", stderr)
	}
}
