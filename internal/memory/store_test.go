package memory

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestSaveAndRecall verifies keyword recall ranks memories with more
// matching words first.
func TestSaveAndRecall(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	facts := []string{
		"The user prefers coffee over tea in the morning",
		"The user's favorite coffee roaster is in Berlin",
		"The user is allergic to peanuts",
	}
	for _, fact := range facts {
		if err := s.Save(ctx, fact, nil); err != nil {
			t.Fatalf("Save(%q): %v", fact, err)
		}
	}

	got, err := s.Recall(ctx, "what coffee does the user like in the morning", 2)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recall returned %d memories, want 2", len(got))
	}
	if got[0].Text != facts[0] {
		t.Errorf("top recall = %q, want %q", got[0].Text, facts[0])
	}
}

// TestRecallNoUsableWords verifies short-word queries return nothing
// rather than everything.
func TestRecallNoUsableWords(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Save(ctx, "a durable fact about deployments", nil); err != nil {
		t.Fatal(err)
	}

	got, err := s.Recall(ctx, "is it up", 5)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Recall(short words) = %d memories, want 0", len(got))
	}
}

// TestSaveRejectsEmpty verifies blank text is rejected.
func TestSaveRejectsEmpty(t *testing.T) {
	s := openTestStore(t)
	if err := s.Save(context.Background(), "   ", nil); err == nil {
		t.Error("Save(blank) = nil, want error")
	}
}

// TestRecallMatchesTags verifies tag text participates in matching.
func TestRecallMatchesTags(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Save(ctx, "rotate the API key monthly", []string{"security", "operations"}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Recall(ctx, "security reminders", 5)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Recall by tag = %d memories, want 1", len(got))
	}
}
