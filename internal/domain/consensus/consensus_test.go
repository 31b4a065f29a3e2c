package consensus

import "testing"

func turn(id, rec string) Turn {
	return Turn{ParticipantID: id, Recommendation: rec}
}

func TestConverged(t *testing.T) {
	tests := []struct {
		name         string
		turns        []Turn
		participants int
		want         bool
	}{
		{
			"all three agree",
			[]Turn{turn("a", "merge section 2"), turn("b", "merge section 2"), turn("c", "merge section 2")},
			3, true,
		},
		{
			"two of three agree",
			[]Turn{turn("a", "merge section 2"), turn("b", "merge section 2"), turn("c", "rewrite it")},
			3, true,
		},
		{
			"one of three",
			[]Turn{turn("a", "merge section 2"), turn("b", "rewrite it"), turn("c", "drop it")},
			3, false,
		},
		{
			"formatting differences still match",
			[]Turn{turn("a", "Merge  Section 2"), turn("b", "merge section 2")},
			2, true,
		},
		{
			"empty recommendations never converge",
			[]Turn{turn("a", ""), turn("b", ""), turn("c", "")},
			3, false,
		},
		{
			"one of two is below two thirds",
			[]Turn{turn("a", "merge section 2"), turn("b", "rewrite it")},
			2, false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, ok := Converged(tt.turns, tt.participants)
			if ok != tt.want {
				t.Errorf("Converged = %v, want %v", ok, tt.want)
			}
			if ok && rec == "" {
				t.Error("converged with empty recommendation")
			}
		})
	}
}

func TestRosterSelect(t *testing.T) {
	r := Roster{
		{ID: "p1", Topics: []string{"structure"}},
		{ID: "p2", Topics: []string{"accuracy", "citations"}},
		{ID: "p3", Topics: []string{"accuracy"}},
		{ID: "p4", Topics: []string{"style"}},
	}

	got, err := r.Select("accuracy of citations", 2, 3)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d participants, want 3", len(got))
	}
	// p2 matches two topic tokens, p3 one; roster order breaks the tie for
	// the third slot.
	if got[0].ID != "p2" || got[1].ID != "p3" {
		t.Errorf("ranking = %s, %s; want p2, p3", got[0].ID, got[1].ID)
	}
}

func TestRosterSelectTooSmall(t *testing.T) {
	r := Roster{{ID: "only"}}
	if _, err := r.Select("anything", 2, 3); err == nil {
		t.Error("expected error for undersized roster")
	}
}

func TestIsExitKeyword(t *testing.T) {
	keywords := []string{"resolved", "escalate", "end session"}

	if !IsExitKeyword("Resolved", keywords) {
		t.Error("case folding should match")
	}
	if !IsExitKeyword("  end   session ", keywords) {
		t.Error("whitespace collapsing should match")
	}
	if IsExitKeyword("we should end the session", keywords) {
		t.Error("exit keywords are exact-match, not substring")
	}
}
