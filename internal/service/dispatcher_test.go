package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gatewright/gatewright/internal/config"
	"github.com/gatewright/gatewright/internal/domain/review"
)

// fakeReviewer scripts per-task outcomes. failUntil[taskID] = n makes the
// first n attempts of that task fail.
type fakeReviewer struct {
	mu        sync.Mutex
	findings  map[string][]review.Finding
	failUntil map[string]int
	attempts  map[string]int
}

func newFakeReviewer() *fakeReviewer {
	return &fakeReviewer{
		findings:  make(map[string][]review.Finding),
		failUntil: make(map[string]int),
		attempts:  make(map[string]int),
	}
}

func (r *fakeReviewer) Review(ctx context.Context, snap review.Snapshot, task review.Task) ([]review.Finding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[task.ID]++
	if r.attempts[task.ID] <= r.failUntil[task.ID] {
		return nil, errors.New("reviewer crashed")
	}
	return r.findings[task.ID], nil
}

func testDispatchCfg() config.Dispatch {
	return config.Dispatch{
		MaxConcurrent:  6,
		BarrierTimeout: 5 * time.Second,
		LockTimeout:    time.Second,
		TaskRetries:    1,
	}
}

func testTimeouts() config.Timeouts {
	return config.Timeouts{
		Operation:     2 * time.Second,
		NestedCall:    5 * time.Second,
		Session:       30 * time.Second,
		CleanupBuffer: 100 * time.Millisecond,
		ForceKill:     100 * time.Millisecond,
	}
}

func reviewTasks(n int) []review.Task {
	tasks := make([]review.Task, 0, n)
	for i := 1; i <= n; i++ {
		tasks = append(tasks, review.Task{
			ID:         fmt.Sprintf("task-%d", i),
			ReviewerID: fmt.Sprintf("reviewer-%d", i),
			Focus:      "structure",
		})
	}
	return tasks
}

func TestDispatchAllSucceed(t *testing.T) {
	rev := newFakeReviewer()
	rev.findings["task-1"] = []review.Finding{
		{ID: "f1", Severity: review.SeverityMinor, Category: "style", Location: "p1"},
	}
	d := NewDispatcher(testDispatchCfg(), testTimeouts(), rev)

	res, err := d.Dispatch(context.Background(), review.Snapshot{SessionID: "s1", StepID: "draft"}, reviewTasks(3))
	if err != nil {
		t.Fatal(err)
	}
	if res.Tag != review.RoundComplete {
		t.Errorf("tag = %v, want complete", res.Tag)
	}
	if len(res.Findings) != 1 || res.Findings[0].ReviewerID != "reviewer-1" {
		t.Errorf("findings = %+v", res.Findings)
	}
	if len(res.Succeeded) != 3 || len(res.Failed) != 0 {
		t.Errorf("succeeded %v failed %v", res.Succeeded, res.Failed)
	}
	// All three reviewers succeeded and none raised a blocking finding.
	if res.Agreement != 1 {
		t.Errorf("agreement = %v, want 1", res.Agreement)
	}
}

func TestDispatchPartialKeepsSuccessfulFindings(t *testing.T) {
	rev := newFakeReviewer()
	for i := 1; i <= 4; i++ {
		id := fmt.Sprintf("task-%d", i)
		rev.findings[id] = []review.Finding{
			{Severity: review.SeverityMajor, Category: "consistency", Location: fmt.Sprintf("p%d", i)},
		}
	}
	// Tasks 5 and 6 fail on every attempt including the retry.
	rev.failUntil["task-5"] = 10
	rev.failUntil["task-6"] = 10

	d := NewDispatcher(testDispatchCfg(), testTimeouts(), rev)
	res, err := d.Dispatch(context.Background(), review.Snapshot{}, reviewTasks(6))
	if err != nil {
		t.Fatal(err)
	}

	if res.Tag != review.RoundPartial {
		t.Errorf("tag = %v, want partial", res.Tag)
	}
	if len(res.Findings) != 4 {
		t.Errorf("findings from successful tasks = %d, want 4 kept", len(res.Findings))
	}
	if len(res.Succeeded) != 4 || len(res.Failed) != 2 {
		t.Errorf("succeeded %v failed %v", res.Succeeded, res.Failed)
	}
	// Failed tasks got exactly one sequential retry each.
	if rev.attempts["task-5"] != 2 || rev.attempts["task-6"] != 2 {
		t.Errorf("retry counts = %d %d, want 2 2", rev.attempts["task-5"], rev.attempts["task-6"])
	}
}

func TestDispatchRetryRecoversTransientFailure(t *testing.T) {
	rev := newFakeReviewer()
	rev.failUntil["task-2"] = 1 // first attempt fails, retry succeeds
	rev.findings["task-2"] = []review.Finding{
		{Severity: review.SeverityBlocking, Category: "accuracy", Location: "p2"},
	}

	d := NewDispatcher(testDispatchCfg(), testTimeouts(), rev)
	res, err := d.Dispatch(context.Background(), review.Snapshot{}, reviewTasks(2))
	if err != nil {
		t.Fatal(err)
	}

	if res.Tag != review.RoundComplete {
		t.Errorf("tag = %v, want complete after successful retry", res.Tag)
	}
	if len(res.Findings) != 1 || res.Findings[0].Severity != review.SeverityBlocking {
		t.Errorf("findings = %+v", res.Findings)
	}
	// One blocking reviewer out of two succeeded.
	if res.Agreement != 0.5 {
		t.Errorf("agreement = %v, want 0.5", res.Agreement)
	}
}

func TestDispatchAllFail(t *testing.T) {
	rev := newFakeReviewer()
	rev.failUntil["task-1"] = 10
	rev.failUntil["task-2"] = 10

	d := NewDispatcher(testDispatchCfg(), testTimeouts(), rev)
	res, err := d.Dispatch(context.Background(), review.Snapshot{}, reviewTasks(2))
	if err != nil {
		t.Fatal(err)
	}

	if res.Tag != review.RoundFailed {
		t.Errorf("tag = %v, want failed", res.Tag)
	}
	if len(res.Findings) != 0 || res.Agreement != 0 {
		t.Errorf("failed round carried findings %v agreement %v", res.Findings, res.Agreement)
	}
}

func TestDispatchEmptyPlan(t *testing.T) {
	d := NewDispatcher(testDispatchCfg(), testTimeouts(), newFakeReviewer())
	res, err := d.Dispatch(context.Background(), review.Snapshot{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Tag != review.RoundComplete || len(res.Findings) != 0 {
		t.Errorf("empty plan result = %+v", res)
	}
}

func TestDispatchDedupesAcrossReviewers(t *testing.T) {
	rev := newFakeReviewer()
	// Two reviewers report the same (category, location); the more severe
	// report must win.
	rev.findings["task-1"] = []review.Finding{
		{Severity: review.SeverityMinor, Category: "style", Location: "p1"},
	}
	rev.findings["task-2"] = []review.Finding{
		{Severity: review.SeverityBlocking, Category: "style", Location: "p1"},
	}

	d := NewDispatcher(testDispatchCfg(), testTimeouts(), rev)
	res, err := d.Dispatch(context.Background(), review.Snapshot{}, reviewTasks(2))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Findings) != 1 {
		t.Fatalf("findings = %+v, want deduped to 1", res.Findings)
	}
	if res.Findings[0].Severity != review.SeverityBlocking || res.Findings[0].ReviewerID != "reviewer-2" {
		t.Errorf("kept finding = %+v, want the blocking report with its reviewer", res.Findings[0])
	}
}

func TestDispatchForksSnapshotPerTask(t *testing.T) {
	var mu sync.Mutex
	seen := make([][]byte, 0, 2)

	rev := &mutatingReviewer{onReview: func(snap review.Snapshot) {
		mu.Lock()
		seen = append(seen, snap.Content)
		mu.Unlock()
		// A reviewer scribbling on its copy must not be visible elsewhere.
		if len(snap.Content) > 0 {
			snap.Content[0] = 'X'
		}
	}}

	d := NewDispatcher(testDispatchCfg(), testTimeouts(), rev)
	src := review.Snapshot{Content: []byte("original")}
	if _, err := d.Dispatch(context.Background(), src, reviewTasks(2)); err != nil {
		t.Fatal(err)
	}

	if string(src.Content) != "original" {
		t.Errorf("source snapshot mutated to %q", src.Content)
	}
	mu.Lock()
	defer mu.Unlock()
	for _, c := range seen {
		if &c[0] == &src.Content[0] {
			t.Error("reviewer received the source buffer, not a fork")
		}
	}
}

type mutatingReviewer struct {
	onReview func(review.Snapshot)
}

func (r *mutatingReviewer) Review(ctx context.Context, snap review.Snapshot, task review.Task) ([]review.Finding, error) {
	r.onReview(snap)
	return nil, nil
}
