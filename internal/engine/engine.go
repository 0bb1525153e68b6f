package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"siteline/internal/audit"
	"siteline/internal/config"
	"siteline/internal/domain"
	"siteline/internal/repo"
	"siteline/internal/schedule"
)

// ErrPolicyViolation means the accountability gate blocked the update: a
// delayed project cannot be completed without a recorded delay reason.
var ErrPolicyViolation = errors.New("delay reason required before completing a delayed project")

// ErrActorRequired means the caller supplied no actor for attribution.
// There is no implicit fallback actor; the caller must authenticate first.
var ErrActorRequired = errors.New("actor required")

// ErrConflict means a concurrent writer held the project row; the caller
// should reload and retry the whole operation.
var ErrConflict = errors.New("concurrent modification, retry")

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Audit  audit.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Audit:  audit.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) unattendedAgeHours() float64 {
	if e.Config != nil && e.Config.SLA.UnattendedAgeHours > 0 {
		return e.Config.SLA.UnattendedAgeHours
	}
	return 24
}

// CreateOptions are parameters for registering a new project.
type CreateOptions struct {
	Code         string
	Name         string
	HouseType    domain.HouseType
	Stage        string
	StartDate    time.Time
	TargetFinish time.Time
	AssignedToID string
	Notes        string
	Actor        domain.Actor
}

// CreateProject registers a project at the opening catalog stage. The
// target finish becomes the immutable original target baseline.
func (e Engine) CreateProject(ctx context.Context, opts CreateOptions) (domain.Project, error) {
	if opts.Actor.ID == "" {
		return domain.Project{}, ErrActorRequired
	}
	if opts.Code == "" {
		return domain.Project{}, errors.New("code is required")
	}
	if opts.Name == "" {
		return domain.Project{}, errors.New("name is required")
	}
	if !opts.HouseType.Valid() {
		return domain.Project{}, fmt.Errorf("invalid house type %q", opts.HouseType)
	}
	if opts.TargetFinish.IsZero() {
		return domain.Project{}, errors.New("target finish is required")
	}
	now := e.now().UTC()
	stage := opts.Stage
	var percent int
	if stage == "" {
		first, err := e.Repo.FirstStage(ctx, opts.HouseType)
		if err != nil {
			return domain.Project{}, fmt.Errorf("stage catalog for %s: %w", opts.HouseType, err)
		}
		stage = first.Stage
		percent = first.Percent
	} else {
		pct, err := e.Repo.PercentFor(ctx, opts.HouseType, stage)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Project{}, fmt.Errorf("stage %q not in catalog for house type %s", stage, opts.HouseType)
			}
			return domain.Project{}, err
		}
		percent = pct
	}
	start := opts.StartDate
	if start.IsZero() {
		start = now
	}
	p := domain.Project{
		ID:              uuid.New().String(),
		Code:            opts.Code,
		Name:            opts.Name,
		HouseType:       opts.HouseType,
		Stage:           stage,
		PercentComplete: percent,
		Status:          domain.StatusOnTrack,
		StartDate:       start.UTC(),
		OriginalTarget:  opts.TargetFinish.UTC(),
		TargetFinish:    opts.TargetFinish.UTC(),
		Notes:           opts.Notes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if opts.AssignedToID != "" {
		id := opts.AssignedToID
		p.AssignedToID = &id
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, conflictOrErr(err)
	}
	return p, nil
}

// UpdateOptions is a partial change set. Nil pointers mean "not provided";
// ActualFinishSet and AssignedToSet distinguish an explicit null from an
// absent field.
type UpdateOptions struct {
	ProjectID       string
	Code            *string
	Name            *string
	HouseType       *domain.HouseType
	Stage           *string
	Status          *domain.Status
	Notes           *string
	DelayReason     *string
	StartDate       *time.Time
	TargetFinish    *time.Time
	ActualFinish    *time.Time
	ActualFinishSet bool
	AssignedToID    *string
	AssignedToSet   bool
	IsDelayed       *bool
	Actor           domain.Actor
}

// ApplyUpdate validates a partial update, applies the accountability
// policy, recomputes stage-derived percent and completion, derives status,
// and commits state plus one audit record per changed field atomically.
func (e Engine) ApplyUpdate(ctx context.Context, opts UpdateOptions) (domain.Project, error) {
	if opts.Actor.ID == "" {
		return domain.Project{}, ErrActorRequired
	}
	if opts.HouseType != nil && !opts.HouseType.Valid() {
		return domain.Project{}, fmt.Errorf("invalid house type %q", *opts.HouseType)
	}
	if opts.Status != nil && !opts.Status.Valid() {
		return domain.Project{}, fmt.Errorf("invalid status %q", *opts.Status)
	}
	now := e.now().UTC()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, conflictOrErr(err)
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.Project{}, err
	}
	prior := p

	var changes []audit.Change
	stage := func(field string, oldVal, newVal *string) {
		changes = append(changes, audit.Change{Field: field, Old: oldVal, New: newVal})
	}

	if opts.Code != nil && *opts.Code != p.Code {
		stage("code", optional(p.Code), optional(*opts.Code))
		p.Code = *opts.Code
	}
	if opts.Name != nil && *opts.Name != p.Name {
		stage("name", optional(p.Name), optional(*opts.Name))
		p.Name = *opts.Name
	}
	// Percent tracks the (house type, stage) catalog entry, so either
	// half changing forces a lookup.
	catalogDirty := false
	if opts.HouseType != nil && *opts.HouseType != p.HouseType {
		stage("house_type", optional(string(p.HouseType)), optional(string(*opts.HouseType)))
		p.HouseType = *opts.HouseType
		catalogDirty = true
	}
	if opts.Notes != nil && *opts.Notes != p.Notes {
		stage("notes", optional(p.Notes), optional(*opts.Notes))
		p.Notes = *opts.Notes
	}
	if opts.DelayReason != nil && *opts.DelayReason != p.DelayReason {
		stage("delay_reason", optional(p.DelayReason), optional(*opts.DelayReason))
		p.DelayReason = *opts.DelayReason
	}
	// Manual status overrides are always trusted and suppress derivation.
	statusOverride := opts.Status != nil
	if statusOverride && *opts.Status != p.Status {
		stage("status", optional(string(p.Status)), optional(string(*opts.Status)))
		p.Status = *opts.Status
	}
	if opts.StartDate != nil && !opts.StartDate.UTC().Equal(p.StartDate) {
		stage("start_date", optionalTime(&p.StartDate), optionalTime(opts.StartDate))
		p.StartDate = opts.StartDate.UTC()
	}
	if opts.TargetFinish != nil && !opts.TargetFinish.UTC().Equal(p.TargetFinish) {
		stage("target_finish", optionalTime(&p.TargetFinish), optionalTime(opts.TargetFinish))
		p.TargetFinish = opts.TargetFinish.UTC()
	}
	// An explicit actual_finish, including an explicit null, wins over the
	// stage-driven completion below.
	if opts.ActualFinishSet && !timePtrEqual(p.ActualFinish, opts.ActualFinish) {
		stage("actual_finish", optionalTime(p.ActualFinish), optionalTime(opts.ActualFinish))
		p.ActualFinish = cloneTime(opts.ActualFinish)
	}
	if opts.AssignedToSet {
		next := normalizeID(opts.AssignedToID)
		if !strPtrEqual(p.AssignedToID, next) {
			stage("assigned_to_id", p.AssignedToID, next)
			p.AssignedToID = next
		}
	}
	// is_delayed only ever moves false -> true; a false value from the
	// caller is ignored once the flag is set.
	if opts.IsDelayed != nil && *opts.IsDelayed && !p.IsDelayed {
		stage("is_delayed", optional("false"), optional("true"))
		p.IsDelayed = true
	}

	if opts.Stage != nil && *opts.Stage != p.Stage {
		stage("stage", optional(p.Stage), optional(*opts.Stage))
		p.Stage = *opts.Stage
		catalogDirty = true
	}
	if catalogDirty {
		pct, err := e.Repo.PercentForTx(ctx, tx, p.HouseType, p.Stage)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			// Legacy tolerance: an unknown stage name updates the stage
			// field but leaves percent alone.
			log.Printf("siteline: stage %q not in catalog for house type %s (project %s); percent left at %d",
				p.Stage, p.HouseType, p.ID, p.PercentComplete)
		case err != nil:
			return domain.Project{}, err
		default:
			if pct != p.PercentComplete {
				stage("percent_complete", optional(strconv.Itoa(p.PercentComplete)), optional(strconv.Itoa(pct)))
				p.PercentComplete = pct
			}
			if pct == 100 && p.ActualFinish == nil && !opts.ActualFinishSet {
				t := now
				stage("actual_finish", nil, optionalTime(&t))
				p.ActualFinish = &t
			}
		}
	}

	if !statusOverride {
		auto := domain.StatusOnTrack
		if p.PercentComplete == 100 {
			auto = domain.StatusCompleted
		} else if schedule.DelayDays(p.TargetFinish, p.ActualFinish, now) > 0 {
			auto = domain.StatusPastTarget
		}
		if p.IsDelayed && auto != domain.StatusCompleted {
			auto = domain.StatusPastTarget
		}
		// ClientDelay is sticky: only completion overwrites it.
		sticky := prior.Status == domain.StatusClientDelay && auto != domain.StatusCompleted
		if !sticky && auto != p.Status {
			stage("status", optional(string(p.Status)), optional(string(auto)))
			p.Status = auto
		}
	}

	// Accountability gate: all checks run before any write, so a violation
	// leaves the stored project untouched.
	if p.Status == domain.StatusCompleted && (prior.IsDelayed || p.IsDelayed) && strings.TrimSpace(p.DelayReason) == "" {
		return domain.Project{}, ErrPolicyViolation
	}

	if len(changes) == 0 {
		return p, nil
	}
	p.UpdatedAt = now
	if err := e.Repo.UpdateProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, conflictOrErr(err)
	}
	if err := e.Audit.AppendAll(ctx, tx, p.ID, opts.Actor, changes); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, conflictOrErr(err)
	}
	return p, nil
}

// CheckCompliance scans one project against the rolling service-level
// baseline. Safe to call on every view: repeated calls within the same
// aging window change nothing. Completed projects are left alone.
func (e Engine) CheckCompliance(ctx context.Context, projectID string) (domain.Project, error) {
	p, _, err := e.checkCompliance(ctx, projectID)
	return p, err
}

// checkCompliance also reports whether the scan persisted anything, which
// lets the sweep count changed projects exactly.
func (e Engine) checkCompliance(ctx context.Context, projectID string) (domain.Project, bool, error) {
	now := e.now().UTC()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, false, conflictOrErr(err)
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, false, err
	}
	if p.Status == domain.StatusCompleted {
		return p, false, nil
	}
	if schedule.AgeHours(p.StartDate, now) <= e.unattendedAgeHours() {
		return p, false, nil
	}

	var changes []audit.Change
	if !p.IsDelayed {
		changes = append(changes, audit.Change{Field: "is_delayed", Old: optional("false"), New: optional("true")})
		p.IsDelayed = true
	}
	if rolling := schedule.RollingDelayDays(now, p.OriginalTarget); rolling > p.DelayDays && rolling > 0 {
		changes = append(changes, audit.Change{
			Field: "delay_days",
			Old:   optional(strconv.Itoa(p.DelayDays)),
			New:   optional(strconv.Itoa(rolling)),
		})
		p.DelayDays = rolling
		// The working finish slides with the high-water mark; the original
		// target baseline is never touched.
		newTarget := p.OriginalTarget.AddDate(0, 0, rolling)
		if !newTarget.Equal(p.TargetFinish) {
			changes = append(changes, audit.Change{
				Field: "target_finish",
				Old:   optionalTime(&p.TargetFinish),
				New:   optionalTime(&newTarget),
			})
			p.TargetFinish = newTarget
		}
	}
	if len(changes) == 0 {
		return p, false, nil
	}
	p.UpdatedAt = now
	if err := e.Repo.UpdateProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, false, conflictOrErr(err)
	}
	if err := e.Audit.AppendAll(ctx, tx, p.ID, domain.System, changes); err != nil {
		return domain.Project{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, false, conflictOrErr(err)
	}
	return p, true, nil
}

// SweepCompliance runs the SLA scan over every non-completed project and
// returns how many projects changed. Errors on individual projects abort
// the sweep; each project's scan is its own transaction.
func (e Engine) SweepCompliance(ctx context.Context) (int, error) {
	ids, err := e.Repo.ListProjectIDs(ctx, true)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, id := range ids {
		_, wrote, err := e.checkCompliance(ctx, id)
		if err != nil {
			return changed, err
		}
		if wrote {
			changed++
		}
	}
	return changed, nil
}

// ListHistory returns the audit trail for a project in canonical order.
func (e Engine) ListHistory(ctx context.Context, projectID string) ([]domain.HistoryEntry, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListHistory(ctx, repo.HistoryFilters{ProjectID: projectID})
}

// --- helpers ---

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func normalizeID(v *string) *string {
	if v == nil || *v == "" {
		return nil
	}
	return v
}

func conflictOrErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}
