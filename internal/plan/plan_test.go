package plan

import (
	"reflect"
	"testing"
)

func threeSteps() *Plan {
	return New(
		Step{Title: "fetch the page", Allow: []string{"fetch_url"}},
		Step{Title: "extract links", Allow: []string{"parse_html"}},
		Step{Title: "write the report", Allow: []string{"write_file"}},
	)
}

func TestNewAssignsStableIDs(t *testing.T) {
	p := threeSteps()
	for i, s := range p.Steps {
		if s.ID != i+1 {
			t.Errorf("step at ordinal %d has id %d, want %d", i, s.ID, i+1)
		}
		if s.Status != StepPending {
			t.Errorf("step %d status = %s, want pending", s.ID, s.Status)
		}
	}
}

func TestInsertShiftsOrdinalsNotIDs(t *testing.T) {
	p := threeSteps()
	if err := p.Insert(1, []Step{{Title: "log in first", Allow: []string{"fetch_url"}}}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if len(p.Steps) != 4 {
		t.Fatalf("plan has %d steps, want 4", len(p.Steps))
	}
	// The inserted step gets a fresh id past the existing maximum.
	if p.Steps[1].ID != 4 {
		t.Errorf("inserted step id = %d, want 4", p.Steps[1].ID)
	}
	// Shifted steps keep their original ids at new ordinals.
	if p.Steps[2].ID != 2 || p.Steps[3].ID != 3 {
		t.Errorf("shifted ids = %d,%d, want 2,3", p.Steps[2].ID, p.Steps[3].ID)
	}
	if got := p.IndexOf(2); got != 2 {
		t.Errorf("IndexOf(2) = %d, want 2", got)
	}
}

func TestApplyPatchRejectsExecutedSteps(t *testing.T) {
	p := threeSteps()
	p.Steps[0].Status = StepDone

	err := p.ApplyPatch(&Patch{Index: 0, Title: "rewrite history"}, 1)
	if err == nil {
		t.Fatal("patch targeting an executed step was accepted")
	}
	if p.Steps[0].Title != "fetch the page" {
		t.Errorf("executed step was mutated to %q", p.Steps[0].Title)
	}
}

func TestApplyPatchInsertAndOverwriteAreExclusive(t *testing.T) {
	p := threeSteps()

	// Insert wins when both are present; the overwrite fields are ignored.
	patch := &Patch{
		Index:       1,
		InsertSteps: []Step{{Title: "verify credentials", Allow: []string{"shell_command"}}},
		Title:       "should not land",
	}
	if err := p.ApplyPatch(patch, 1); err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	if p.Steps[1].Title != "verify credentials" {
		t.Errorf("ordinal 1 title = %q, want the inserted step", p.Steps[1].Title)
	}
	if p.Steps[2].Title != "extract links" {
		t.Errorf("ordinal 2 title = %q, want the shifted original", p.Steps[2].Title)
	}
}

func TestApplyPatchOverwriteAndArtifacts(t *testing.T) {
	p := threeSteps()
	patch := &Patch{
		Index:        2,
		Title:        "write the summary",
		Brief:        "markdown, one page",
		ArtifactsAdd: []string{"summary.md"},
	}
	if err := p.ApplyPatch(patch, 0); err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	if p.Steps[2].Title != "write the summary" || p.Steps[2].Brief != "markdown, one page" {
		t.Errorf("overwrite did not land: %+v", p.Steps[2])
	}
	if !reflect.DeepEqual(p.Artifacts, []string{"summary.md"}) {
		t.Errorf("artifacts = %v", p.Artifacts)
	}
}

func TestCompactRoundTripIsLossless(t *testing.T) {
	p := threeSteps()
	p.Steps[0].Status = StepDone
	p.Steps[0].Result = `{"status_code":200}`
	p.Steps[1].Role = "researcher"
	p.Steps[1].Needs = []int{1}
	p.Artifacts = []string{"report.md"}

	got := FromCompact(p.ToCompact())

	if len(got.Steps) != len(p.Steps) {
		t.Fatalf("round trip lost steps: %d != %d", len(got.Steps), len(p.Steps))
	}
	for i := range p.Steps {
		if !reflect.DeepEqual(*got.Steps[i], *p.Steps[i]) {
			t.Errorf("step %d round trip mismatch:\n got %+v\nwant %+v", i, *got.Steps[i], *p.Steps[i])
		}
	}
	if !reflect.DeepEqual(got.Artifacts, p.Artifacts) {
		t.Errorf("artifacts = %v, want %v", got.Artifacts, p.Artifacts)
	}
}

func TestCompactParallelListsStayAligned(t *testing.T) {
	p := threeSteps()
	c := p.ToCompact()
	if len(c.Titles) != len(c.Allows) || len(c.Titles) != len(c.Items) {
		t.Fatalf("compact lists diverge: titles=%d allows=%d items=%d", len(c.Titles), len(c.Allows), len(c.Items))
	}
	for i, title := range c.Titles {
		if c.Items[i].Title != title {
			t.Errorf("item %d title %q does not match parallel list %q", i, c.Items[i].Title, title)
		}
	}
}

func TestNextUnexecutedAndAllDone(t *testing.T) {
	p := threeSteps()
	if got := p.NextUnexecuted(); got != 0 {
		t.Errorf("NextUnexecuted = %d, want 0", got)
	}
	p.Steps[0].Status = StepDone
	p.Steps[1].Status = StepSkipped
	if got := p.NextUnexecuted(); got != 2 {
		t.Errorf("NextUnexecuted = %d, want 2", got)
	}
	if p.AllDone() {
		t.Error("AllDone true with a pending step")
	}
	p.Steps[2].Status = StepDone
	if !p.AllDone() {
		t.Error("AllDone false with every step settled")
	}
	if got := p.NextUnexecuted(); got != 3 {
		t.Errorf("NextUnexecuted = %d, want len(steps)", got)
	}
}
