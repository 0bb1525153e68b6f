package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"siteline/internal/config"
	"siteline/internal/db"
	"siteline/internal/domain"
	"siteline/internal/migrate"
	"siteline/internal/repo"
)

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := New(conn, config.Default())
	eng.Now = func() time.Time { return testNow }
	eng.Audit.Now = eng.Now
	return eng
}

var alice = domain.Actor{ID: "u-alice", DisplayName: "Alice"}

func mustCreate(t *testing.T, eng Engine, opts CreateOptions) domain.Project {
	t.Helper()
	if opts.Code == "" {
		opts.Code = "J-100"
	}
	if opts.Name == "" {
		opts.Name = "12 Wattle St"
	}
	if opts.HouseType == "" {
		opts.HouseType = domain.HouseSingle
	}
	if opts.TargetFinish.IsZero() {
		opts.TargetFinish = testNow.AddDate(0, 6, 0)
	}
	if opts.Actor.ID == "" {
		opts.Actor = alice
	}
	p, err := eng.CreateProject(context.Background(), opts)
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

func strp(s string) *string { return &s }

func history(t *testing.T, eng Engine, projectID string) []domain.HistoryEntry {
	t.Helper()
	entries, err := eng.ListHistory(context.Background(), projectID)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	return entries
}

func TestCreateProjectDefaultsToFirstStage(t *testing.T) {
	eng := newTestEngine(t)
	p := mustCreate(t, eng, CreateOptions{})
	if p.Stage != "Deposit" {
		t.Errorf("stage = %q, want Deposit", p.Stage)
	}
	if p.PercentComplete != 5 {
		t.Errorf("percent = %d, want 5", p.PercentComplete)
	}
	if p.Status != domain.StatusOnTrack {
		t.Errorf("status = %q, want on_track", p.Status)
	}
	if !p.OriginalTarget.Equal(p.TargetFinish) {
		t.Errorf("original target %v != target finish %v", p.OriginalTarget, p.TargetFinish)
	}
	if len(history(t, eng, p.ID)) != 0 {
		t.Error("creation should not write history rows")
	}
}

func TestCreateProjectRejectsUnknownStage(t *testing.T) {
	eng := newTestEngine(t)
	_, err := eng.CreateProject(context.Background(), CreateOptions{
		Code: "J-1", Name: "x", HouseType: domain.HouseSingle,
		Stage: "Carport", TargetFinish: testNow.AddDate(0, 1, 0), Actor: alice,
	})
	if err == nil {
		t.Fatal("expected error for stage outside the catalog")
	}
}

func TestCreateProjectRejectsDuplicateCode(t *testing.T) {
	eng := newTestEngine(t)
	mustCreate(t, eng, CreateOptions{Code: "J-7"})
	_, err := eng.CreateProject(context.Background(), CreateOptions{
		Code: "J-7", Name: "x", HouseType: domain.HouseSingle,
		TargetFinish: testNow.AddDate(0, 1, 0), Actor: alice,
	})
	if err == nil {
		t.Fatal("expected duplicate code error")
	}
}

func TestApplyUpdateRequiresActor(t *testing.T) {
	eng := newTestEngine(t)
	p := mustCreate(t, eng, CreateOptions{})
	_, err := eng.ApplyUpdate(context.Background(), UpdateOptions{ProjectID: p.ID, Notes: strp("hi")})
	if !errors.Is(err, ErrActorRequired) {
		t.Fatalf("err = %v, want ErrActorRequired", err)
	}
}

func TestStageAdvanceUpdatesPercent(t *testing.T) {
	eng := newTestEngine(t)
	p := mustCreate(t, eng, CreateOptions{})
	got, err := eng.ApplyUpdate(context.Background(), UpdateOptions{
		ProjectID: p.ID, Stage: strp("Frame"), Actor: alice,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Stage != "Frame" || got.PercentComplete != 30 {
		t.Errorf("got stage=%q percent=%d, want Frame/30", got.Stage, got.PercentComplete)
	}
	entries := history(t, eng, p.ID)
	if len(entries) != 2 {
		t.Fatalf("history rows = %d, want 2", len(entries))
	}
	if entries[0].Field != "stage" || entries[1].Field != "percent_complete" {
		t.Errorf("history fields = %q, %q", entries[0].Field, entries[1].Field)
	}
	for _, e := range entries {
		if e.ChangedBy != alice.ID {
			t.Errorf("changed_by = %q, want %q", e.ChangedBy, alice.ID)
		}
	}
}

func TestFinalStageCompletesProject(t *testing.T) {
	eng := newTestEngine(t)
	p := mustCreate(t, eng, CreateOptions{})
	got, err := eng.ApplyUpdate(context.Background(), UpdateOptions{
		ProjectID: p.ID, Stage: strp("Finalisation"), Actor: alice,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.PercentComplete != 100 {
		t.Errorf("percent = %d, want 100", got.PercentComplete)
	}
	if got.Status != domain.StatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.ActualFinish == nil || !got.ActualFinish.Equal(testNow) {
		t.Errorf("actual finish = %v, want %v", got.ActualFinish, testNow)
	}
}

func TestAccountabilityGateBlocksDelayedCompletion(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	p := mustCreate(t, eng, CreateOptions{})
	delayed := true
	if _, err := eng.ApplyUpdate(ctx, UpdateOptions{ProjectID: p.ID, IsDelayed: &delayed, Actor: alice}); err != nil {
		t.Fatalf("flag delay: %v", err)
	}
	rowsBefore := len(history(t, eng, p.ID))

	_, err := eng.ApplyUpdate(ctx, UpdateOptions{ProjectID: p.ID, Stage: strp("Finalisation"), Actor: alice})
	if !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("err = %v, want ErrPolicyViolation", err)
	}
	stored, err := eng.Repo.GetProject(ctx, p.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.Stage != "Deposit" || stored.PercentComplete != 5 {
		t.Errorf("rejected update leaked state: stage=%q percent=%d", stored.Stage, stored.PercentComplete)
	}
	if got := len(history(t, eng, p.ID)); got != rowsBefore {
		t.Errorf("rejected update wrote %d history rows", got-rowsBefore)
	}

	got, err := eng.ApplyUpdate(ctx, UpdateOptions{
		ProjectID: p.ID, Stage: strp("Finalisation"),
		DelayReason: strp("client held handover"), Actor: alice,
	})
	if err != nil {
		t.Fatalf("update with reason: %v", err)
	}
	if got.Status != domain.StatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
}

func TestClientDelayStatusIsSticky(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	p := mustCreate(t, eng, CreateOptions{})
	clientDelay := domain.StatusClientDelay
	if _, err := eng.ApplyUpdate(ctx, UpdateOptions{ProjectID: p.ID, Status: &clientDelay, Actor: alice}); err != nil {
		t.Fatalf("set status: %v", err)
	}
	got, err := eng.ApplyUpdate(ctx, UpdateOptions{ProjectID: p.ID, Notes: strp("waiting on selections"), Actor: alice})
	if err != nil {
		t.Fatalf("notes update: %v", err)
	}
	if got.Status != domain.StatusClientDelay {
		t.Errorf("status = %q, want client_delay to survive unrelated updates", got.Status)
	}

	got, err = eng.ApplyUpdate(ctx, UpdateOptions{ProjectID: p.ID, Stage: strp("Finalisation"), Actor: alice})
	if err != nil {
		t.Fatalf("final stage: %v", err)
	}
	if got.Status != domain.StatusCompleted {
		t.Errorf("status = %q, completion must override client_delay", got.Status)
	}
}

func TestManualStatusOverrideTrusted(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	p := mustCreate(t, eng, CreateOptions{TargetFinish: testNow.AddDate(0, 0, -10)})

	got, err := eng.ApplyUpdate(ctx, UpdateOptions{ProjectID: p.ID, Notes: strp("behind"), Actor: alice})
	if err != nil {
		t.Fatalf("notes update: %v", err)
	}
	if got.Status != domain.StatusPastTarget {
		t.Fatalf("status = %q, want past_target derived from missed target", got.Status)
	}

	onTrack := domain.StatusOnTrack
	got, err = eng.ApplyUpdate(ctx, UpdateOptions{ProjectID: p.ID, Status: &onTrack, Actor: alice})
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if got.Status != domain.StatusOnTrack {
		t.Errorf("status = %q, manual override must be trusted", got.Status)
	}
}

func TestApplyUpdateAuditsEachField(t *testing.T) {
	eng := newTestEngine(t)
	p := mustCreate(t, eng, CreateOptions{})
	newTarget := testNow.AddDate(0, 8, 0)
	_, err := eng.ApplyUpdate(context.Background(), UpdateOptions{
		ProjectID:    p.ID,
		Name:         strp("12 Wattle Street"),
		Notes:        strp("slab poured"),
		TargetFinish: &newTarget,
		Actor:        alice,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	entries := history(t, eng, p.ID)
	if len(entries) != 3 {
		t.Fatalf("history rows = %d, want 3", len(entries))
	}
	fields := map[string]bool{}
	for _, e := range entries {
		fields[e.Field] = true
	}
	for _, want := range []string{"name", "notes", "target_finish"} {
		if !fields[want] {
			t.Errorf("missing history row for %q", want)
		}
	}
}

func TestApplyUpdateNoopWritesNothing(t *testing.T) {
	eng := newTestEngine(t)
	p := mustCreate(t, eng, CreateOptions{})
	got, err := eng.ApplyUpdate(context.Background(), UpdateOptions{
		ProjectID: p.ID, Name: strp(p.Name), Stage: strp(p.Stage), Actor: alice,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !got.UpdatedAt.Equal(p.UpdatedAt) {
		t.Errorf("updated_at moved on a no-op update")
	}
	if n := len(history(t, eng, p.ID)); n != 0 {
		t.Errorf("history rows = %d, want 0", n)
	}
}

func TestIsDelayedIsMonotonic(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	p := mustCreate(t, eng, CreateOptions{})
	on, off := true, false
	if _, err := eng.ApplyUpdate(ctx, UpdateOptions{ProjectID: p.ID, IsDelayed: &on, Actor: alice}); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := eng.ApplyUpdate(ctx, UpdateOptions{ProjectID: p.ID, IsDelayed: &off, Actor: alice})
	if err != nil {
		t.Fatalf("clear attempt: %v", err)
	}
	if !got.IsDelayed {
		t.Error("is_delayed was cleared; it must only ever move to true")
	}
	count := 0
	for _, e := range history(t, eng, p.ID) {
		if e.Field == "is_delayed" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("is_delayed history rows = %d, want 1", count)
	}
}

func TestUnknownStageToleratedOnUpdate(t *testing.T) {
	eng := newTestEngine(t)
	p := mustCreate(t, eng, CreateOptions{})
	got, err := eng.ApplyUpdate(context.Background(), UpdateOptions{
		ProjectID: p.ID, Stage: strp("Carport"), Actor: alice,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Stage != "Carport" {
		t.Errorf("stage = %q, want Carport recorded verbatim", got.Stage)
	}
	if got.PercentComplete != p.PercentComplete {
		t.Errorf("percent = %d, want unchanged %d", got.PercentComplete, p.PercentComplete)
	}
	entries := history(t, eng, p.ID)
	if len(entries) != 1 || entries[0].Field != "stage" {
		t.Errorf("expected a single stage history row, got %+v", entries)
	}
}

func TestCheckComplianceFlagsAgedProject(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	p := mustCreate(t, eng, CreateOptions{
		StartDate:    testNow.Add(-48 * time.Hour),
		TargetFinish: testNow.Add(-72 * time.Hour),
	})
	got, err := eng.CheckCompliance(ctx, p.ID)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !got.IsDelayed {
		t.Error("is_delayed not set")
	}
	if got.DelayDays != 3 {
		t.Errorf("delay_days = %d, want 3", got.DelayDays)
	}
	want := p.OriginalTarget.AddDate(0, 0, 3)
	if !got.TargetFinish.Equal(want) {
		t.Errorf("target_finish = %v, want %v", got.TargetFinish, want)
	}
	if !got.OriginalTarget.Equal(p.OriginalTarget) {
		t.Error("original_target must never move")
	}
	for _, e := range history(t, eng, p.ID) {
		if e.ChangedBy != domain.System.ID {
			t.Errorf("changed_by = %q, want system", e.ChangedBy)
		}
	}

	again, err := eng.CheckCompliance(ctx, p.ID)
	if err != nil {
		t.Fatalf("second check: %v", err)
	}
	if again.DelayDays != 3 || !again.TargetFinish.Equal(want) {
		t.Error("repeated scan at the same instant must be a no-op")
	}
	if n := len(history(t, eng, p.ID)); n != 3 {
		t.Errorf("history rows = %d, want 3 (is_delayed, delay_days, target_finish)", n)
	}
}

func TestCheckComplianceHighWaterMark(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	p := mustCreate(t, eng, CreateOptions{
		StartDate:    testNow.Add(-48 * time.Hour),
		TargetFinish: testNow.Add(-72 * time.Hour),
	})
	if _, err := eng.CheckCompliance(ctx, p.ID); err != nil {
		t.Fatalf("first check: %v", err)
	}

	later := testNow.Add(72 * time.Hour)
	eng.Now = func() time.Time { return later }
	eng.Audit.Now = eng.Now
	got, err := eng.CheckCompliance(ctx, p.ID)
	if err != nil {
		t.Fatalf("second check: %v", err)
	}
	if got.DelayDays != 6 {
		t.Errorf("delay_days = %d, want 6", got.DelayDays)
	}
	if want := p.OriginalTarget.AddDate(0, 0, 6); !got.TargetFinish.Equal(want) {
		t.Errorf("target_finish = %v, want %v", got.TargetFinish, want)
	}
	count := 0
	for _, e := range history(t, eng, p.ID) {
		if e.Field == "is_delayed" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("is_delayed flagged %d times, want once", count)
	}
}

func TestCheckComplianceSkipsYoungAndCompleted(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	young := mustCreate(t, eng, CreateOptions{
		Code:         "J-young",
		StartDate:    testNow.Add(-2 * time.Hour),
		TargetFinish: testNow.Add(-72 * time.Hour),
	})
	got, err := eng.CheckCompliance(ctx, young.ID)
	if err != nil {
		t.Fatalf("check young: %v", err)
	}
	if got.IsDelayed {
		t.Error("project inside the aging window must not be flagged")
	}

	done := mustCreate(t, eng, CreateOptions{
		Code:         "J-done",
		StartDate:    testNow.Add(-200 * time.Hour),
		TargetFinish: testNow.Add(-72 * time.Hour),
	})
	if _, err := eng.ApplyUpdate(ctx, UpdateOptions{ProjectID: done.ID, Stage: strp("Finalisation"), Actor: alice}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, err = eng.CheckCompliance(ctx, done.ID)
	if err != nil {
		t.Fatalf("check completed: %v", err)
	}
	if got.IsDelayed || got.DelayDays != 0 {
		t.Error("completed project must be left alone")
	}
}

func TestSweepCompliance(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	mustCreate(t, eng, CreateOptions{
		Code:         "J-a",
		StartDate:    testNow.Add(-48 * time.Hour),
		TargetFinish: testNow.Add(-24 * time.Hour),
	})
	mustCreate(t, eng, CreateOptions{
		Code:         "J-b",
		StartDate:    testNow.Add(-1 * time.Hour),
		TargetFinish: testNow.AddDate(0, 1, 0),
	})
	changed, err := eng.SweepCompliance(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if changed != 1 {
		t.Errorf("changed = %d, want 1", changed)
	}
	// Same clock, second pass: nothing new to persist.
	changed, err = eng.SweepCompliance(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if changed != 0 {
		t.Errorf("second sweep changed = %d, want 0", changed)
	}
}

func TestHouseTypeChangeRecomputesPercent(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	p := mustCreate(t, eng, CreateOptions{})
	p, err := eng.ApplyUpdate(ctx, UpdateOptions{ProjectID: p.ID, Stage: strp("Base Stage"), Actor: alice})
	if err != nil {
		t.Fatalf("advance stage: %v", err)
	}
	if p.PercentComplete != 15 {
		t.Fatalf("percent = %d, want 15", p.PercentComplete)
	}
	double := domain.HouseDouble
	p, err = eng.ApplyUpdate(ctx, UpdateOptions{ProjectID: p.ID, HouseType: &double, Actor: alice})
	if err != nil {
		t.Fatalf("change house type: %v", err)
	}
	// Base Stage sits at a different percent in the double catalog.
	if p.PercentComplete != 10 {
		t.Errorf("percent = %d, want 10", p.PercentComplete)
	}
	var fields []string
	for _, h := range history(t, eng, p.ID) {
		fields = append(fields, h.Field)
	}
	want := []string{"stage", "percent_complete", "house_type", "percent_complete"}
	if len(fields) != len(want) {
		t.Fatalf("history fields = %v, want %v", fields, want)
	}
	for i := range want {
		if fields[i] != want[i] {
			t.Fatalf("history fields = %v, want %v", fields, want)
		}
	}
}

func TestUpdateRollsBackWhenHistoryWriteFails(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	p := mustCreate(t, eng, CreateOptions{})
	// Abort any history insert; the state update shares its transaction,
	// so neither side may land.
	if _, err := eng.DB.Exec(`CREATE TRIGGER block_history BEFORE INSERT ON project_history
		BEGIN SELECT RAISE(ABORT, 'history unavailable'); END`); err != nil {
		t.Fatalf("create trigger: %v", err)
	}
	_, err := eng.ApplyUpdate(ctx, UpdateOptions{ProjectID: p.ID, Stage: strp("Frame"), Actor: alice})
	if err == nil {
		t.Fatal("expected update to fail")
	}
	stored, err := eng.Repo.GetProject(ctx, p.ID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if stored.Stage != "Deposit" || stored.PercentComplete != 5 {
		t.Errorf("stage/percent = %q/%d, want Deposit/5", stored.Stage, stored.PercentComplete)
	}
	if got := len(history(t, eng, p.ID)); got != 0 {
		t.Errorf("history rows = %d, want 0", got)
	}
	if _, err := eng.DB.Exec(`DROP TRIGGER block_history`); err != nil {
		t.Fatalf("drop trigger: %v", err)
	}
	stored, err = eng.ApplyUpdate(ctx, UpdateOptions{ProjectID: p.ID, Stage: strp("Frame"), Actor: alice})
	if err != nil {
		t.Fatalf("retry after fault cleared: %v", err)
	}
	if stored.Stage != "Frame" || stored.PercentComplete != 30 {
		t.Errorf("stage/percent = %q/%d, want Frame/30", stored.Stage, stored.PercentComplete)
	}
}

func TestListHistoryUnknownProject(t *testing.T) {
	eng := newTestEngine(t)
	_, err := eng.ListHistory(context.Background(), "nope")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
