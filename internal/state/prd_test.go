// internal/state/prd_test.go
package state

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/user/ralph/internal/types"
)

func newTestPRDStore(t *testing.T, stories ...types.Story) *PRDStore {
	t.Helper()
	store := NewPRDStore(filepath.Join(t.TempDir(), PRDFile))
	if stories == nil {
		return store
	}
	prd := &types.PRD{ProjectName: "demo", BranchName: "ralph/demo", UserStories: stories}
	if err := store.Save(context.Background(), prd); err != nil {
		t.Fatal(err)
	}
	return store
}

func TestPRDStore_LoadMissing(t *testing.T) {
	store := newTestPRDStore(t)
	_, err := store.Load(context.Background())
	if !errors.Is(err, ErrNoPRD) {
		t.Fatalf("expected ErrNoPRD, got %v", err)
	}

	done, err := store.AllComplete(context.Background())
	if err != nil || done {
		t.Errorf("expected AllComplete=false without PRD, got %v (%v)", done, err)
	}

	st, err := store.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Exists {
		t.Error("expected Exists=false without PRD")
	}
}

func TestPRDStore_CreateAndAddStory(t *testing.T) {
	store := newTestPRDStore(t)
	ctx := context.Background()

	if _, err := store.AddStory(ctx, types.Story{ID: "US-001"}); !errors.Is(err, ErrNoPRD) {
		t.Fatalf("expected ErrNoPRD before create, got %v", err)
	}

	prd, err := store.Create(ctx, types.PRDCreate{ProjectName: "demo", BranchName: "ralph/demo"})
	if err != nil {
		t.Fatal(err)
	}
	if len(prd.UserStories) != 0 {
		t.Errorf("expected no stories, got %d", len(prd.UserStories))
	}

	if _, err := store.AddStory(ctx, types.Story{ID: "US-001", Title: "Login", Priority: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AddStory(ctx, types.Story{ID: "US-001"}); err == nil {
		t.Error("expected duplicate story id to be rejected")
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.UserStories) != 1 || loaded.UserStories[0].Title != "Login" {
		t.Errorf("unexpected stories: %+v", loaded.UserStories)
	}
}

func TestPRDStore_Update(t *testing.T) {
	store := newTestPRDStore(t, types.Story{ID: "US-001"})
	branch := "ralph/next"
	prd, err := store.Update(context.Background(), types.PRDUpdate{BranchName: &branch})
	if err != nil {
		t.Fatal(err)
	}
	if prd.BranchName != "ralph/next" {
		t.Errorf("expected branch ralph/next, got %s", prd.BranchName)
	}
	if prd.ProjectName != "demo" {
		t.Errorf("expected project name untouched, got %s", prd.ProjectName)
	}
	if len(prd.UserStories) != 1 {
		t.Errorf("expected stories untouched, got %d", len(prd.UserStories))
	}
}

func TestPRDStore_UpdateStoryNotFound(t *testing.T) {
	store := newTestPRDStore(t, types.Story{ID: "US-001"})
	_, err := store.UpdateStory(context.Background(), "US-404", true)
	if !errors.Is(err, ErrStoryNotFound) {
		t.Fatalf("expected ErrStoryNotFound, got %v", err)
	}
	if err.Error() != "Story US-404 not found" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestPRDStore_MarkCompleteIdempotent(t *testing.T) {
	store := newTestPRDStore(t,
		types.Story{ID: "US-001", Priority: 1},
		types.Story{ID: "US-002", Priority: 2},
	)
	ctx := context.Background()

	if err := store.MarkComplete(ctx, "US-001"); err != nil {
		t.Fatal(err)
	}
	first, err := os.ReadFile(store.Path())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.MarkComplete(ctx, "US-001"); err != nil {
		t.Fatal(err)
	}
	second, err := os.ReadFile(store.Path())
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != string(second) {
		t.Error("expected second MarkComplete to leave the document unchanged")
	}

	prd, _ := store.Load(ctx)
	if s, _ := prd.Story("US-001"); !s.Passes {
		t.Error("expected US-001 to pass")
	}
	if s, _ := prd.Story("US-002"); s.Passes {
		t.Error("expected US-002 untouched")
	}
}

func TestPRDStore_NextIncompleteAndAllComplete(t *testing.T) {
	store := newTestPRDStore(t,
		types.Story{ID: "A", Priority: 2},
		types.Story{ID: "B", Priority: 1},
		types.Story{ID: "C", Priority: 3},
	)
	ctx := context.Background()

	next, ok, err := store.NextIncomplete(ctx)
	if err != nil || !ok {
		t.Fatalf("expected a story, got ok=%v err=%v", ok, err)
	}
	if next.ID != "B" {
		t.Errorf("expected B, got %s", next.ID)
	}

	for _, id := range []string{"A", "B", "C"} {
		if err := store.MarkComplete(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	if _, ok, _ := store.NextIncomplete(ctx); ok {
		t.Error("expected no incomplete story")
	}
	done, err := store.AllComplete(ctx)
	if err != nil || !done {
		t.Errorf("expected AllComplete=true, got %v (%v)", done, err)
	}
}

func TestPRDStore_Status(t *testing.T) {
	var stories []types.Story
	for i, p := range []int{7, 3, 5, 1, 6, 2, 4} {
		stories = append(stories, types.Story{ID: string(rune('A' + i)), Priority: p, Passes: p == 1})
	}
	store := newTestPRDStore(t, stories...)

	st, err := store.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 7 || st.Completed != 1 || st.Remaining != 6 {
		t.Errorf("unexpected counts: %+v", st)
	}
	if len(st.Incomplete) != 5 {
		t.Fatalf("expected 5 incomplete listed, got %d", len(st.Incomplete))
	}
	if st.Incomplete[0].Priority != 2 || st.Incomplete[4].Priority != 6 {
		t.Errorf("expected incomplete ordered by priority, got %+v", st.Incomplete)
	}
	if st.AllComplete {
		t.Error("expected AllComplete=false")
	}
}

func TestPRDStore_IngestYAML(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "backlog.yaml")
	yamlDoc := `projectName: demo
branchName: ralph/yaml
userStories:
  - id: US-001
    title: First
    acceptanceCriteria: ["works"]
    priority: 1
    passes: false
`
	if err := os.WriteFile(src, []byte(yamlDoc), 0o644); err != nil {
		t.Fatal(err)
	}

	store := NewPRDStore(filepath.Join(dir, "out", PRDFile))
	prd, err := store.Ingest(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if prd.BranchName != "ralph/yaml" {
		t.Errorf("expected branch ralph/yaml, got %s", prd.BranchName)
	}
	loaded, err := store.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.UserStories) != 1 || loaded.UserStories[0].AcceptanceCriteria[0] != "works" {
		t.Errorf("unexpected stories: %+v", loaded.UserStories)
	}
}

func TestPRDStore_LoadCorrupt(t *testing.T) {
	store := newTestPRDStore(t)
	if err := os.WriteFile(store.Path(), []byte("{\"userStories\": ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(context.Background()); err == nil {
		t.Error("expected error for truncated PRD")
	}
}

func TestPRDStore_GuardsRefuseReopen(t *testing.T) {
	store := newTestPRDStore(t,
		types.Story{ID: "US-001", Title: "done", Priority: 1, Passes: true},
		types.Story{ID: "US-002", Title: "open", Priority: 2},
	)
	ctx := context.Background()

	_, err := store.UpdateStory(ctx, "US-001", false, KeepPasses)
	if !errors.Is(err, ErrPRDLocked) {
		t.Errorf("expected ErrPRDLocked reopening a story, got %v", err)
	}
	reopened := []types.Story{{ID: "US-001", Passes: false}, {ID: "US-002"}}
	if _, err := store.Update(ctx, types.PRDUpdate{UserStories: reopened}, KeepPasses); !errors.Is(err, ErrPRDLocked) {
		t.Errorf("expected ErrPRDLocked replacing stories, got %v", err)
	}
	if _, err := store.Create(ctx, types.PRDCreate{ProjectName: "other"}, KeepPasses); !errors.Is(err, ErrPRDLocked) {
		t.Errorf("expected ErrPRDLocked recreating the PRD, got %v", err)
	}
	if err := store.Delete(ctx, Frozen); !errors.Is(err, ErrPRDLocked) {
		t.Errorf("expected ErrPRDLocked deleting, got %v", err)
	}
	if _, err := store.UpdateStory(ctx, "US-002", true, KeepPasses); err != nil {
		t.Errorf("expected completing a story to pass the guard, got %v", err)
	}

	prd, err := store.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if prd.ProjectName != "demo" || len(prd.UserStories) != 2 || !prd.AllComplete() {
		t.Errorf("expected refused writes to leave the PRD untouched, got %+v", prd)
	}
}
