package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/connectivity"
	"github.com/hackgods/clinic-scheduling/internal/interval"
)

var (
	ErrOfflineUnsupported    = errors.New("schedule changes require a backend connection")
	ErrRuleOverlap           = errors.New("weekly rule overlaps an existing rule for that weekday")
	ErrFullDayExists         = errors.New("date already has a full-day exception")
	ErrExceptionOverlap      = errors.New("exception overlaps an existing exception on that date")
	ErrExceptionOutsideDay   = errors.New("exception must start and end on its exception_date")
	ErrExceptionOutsideHours = errors.New("exception is not inside any weekly rule for that weekday")
)

// Admin manages weekly rules and exceptions. Creation-time checks are
// enforced here; existing rows are never revalidated.
type Admin struct {
	repo   appointment.Repository
	conn   connectivity.Provider
	loc    *time.Location
	logger zerolog.Logger
}

func NewAdmin(repo appointment.Repository, conn connectivity.Provider, loc *time.Location, logger zerolog.Logger) *Admin {
	return &Admin{repo: repo, conn: conn, loc: loc, logger: logger}
}

func (a *Admin) online() error {
	if !a.conn.IsOnline() {
		return ErrOfflineUnsupported
	}
	return nil
}

func (a *Admin) ListWeeklyRules(ctx context.Context) ([]appointment.WeeklyScheduleRule, error) {
	if err := a.online(); err != nil {
		return nil, err
	}
	return a.repo.ListWeeklyRules(ctx)
}

func (a *Admin) AddWeeklyRule(ctx context.Context, rule appointment.WeeklyScheduleRule) (*appointment.WeeklyScheduleRule, error) {
	if err := a.online(); err != nil {
		return nil, err
	}
	existing, err := a.repo.ListWeeklyRulesByWeekday(ctx, rule.Weekday)
	if err != nil {
		return nil, fmt.Errorf("load weekday rules: %w", err)
	}
	if err := CheckNewRule(existing, rule); err != nil {
		return nil, err
	}

	created, err := a.repo.InsertWeeklyRule(ctx, rule)
	if err != nil {
		return nil, fmt.Errorf("insert weekly rule: %w", err)
	}
	a.logger.Info().
		Str("rule_id", created.ID).
		Int("weekday", created.Weekday).
		Str("start", created.StartTime).
		Str("end", created.EndTime).
		Msg("weekly rule added")
	return created, nil
}

func (a *Admin) DeleteWeeklyRule(ctx context.Context, id string) error {
	if err := a.online(); err != nil {
		return err
	}
	if err := a.repo.DeleteWeeklyRule(ctx, id); err != nil {
		return err
	}
	a.logger.Info().Str("rule_id", id).Msg("weekly rule deleted")
	return nil
}

func (a *Admin) ListExceptions(ctx context.Context, from, to string) ([]appointment.ScheduleException, error) {
	if err := a.online(); err != nil {
		return nil, err
	}
	return a.repo.ListExceptions(ctx, from, to)
}

func (a *Admin) AddException(ctx context.Context, e appointment.ScheduleException) (*appointment.ScheduleException, error) {
	if err := a.online(); err != nil {
		return nil, err
	}
	day, err := ParseDate(e.ExceptionDate, a.loc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", appointment.ErrInvalidRecord, err)
	}

	existing, err := a.repo.ListExceptions(ctx, e.ExceptionDate, e.ExceptionDate)
	if err != nil {
		return nil, fmt.Errorf("load exceptions: %w", err)
	}
	rules, err := a.repo.ListWeeklyRulesByWeekday(ctx, int(day.Weekday()))
	if err != nil {
		return nil, fmt.Errorf("load weekday rules: %w", err)
	}
	if err := CheckNewException(existing, rules, e, day); err != nil {
		return nil, err
	}

	created, err := a.repo.InsertException(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("insert schedule exception: %w", err)
	}
	a.logger.Info().
		Str("exception_id", created.ID).
		Str("date", created.ExceptionDate).
		Bool("full_day", created.FullDay()).
		Msg("schedule exception added")
	return created, nil
}

func (a *Admin) DeleteException(ctx context.Context, id string) error {
	if err := a.online(); err != nil {
		return err
	}
	if err := a.repo.DeleteException(ctx, id); err != nil {
		return err
	}
	a.logger.Info().Str("exception_id", id).Msg("schedule exception deleted")
	return nil
}

// CheckNewRule requires start < end and no overlap with the weekday's rules.
func CheckNewRule(existing []appointment.WeeklyScheduleRule, rule appointment.WeeklyScheduleRule) error {
	iv, err := appointment.RuleInterval(rule)
	if err != nil {
		return err
	}
	for _, r := range existing {
		if r.Weekday != rule.Weekday {
			continue
		}
		other, err := appointment.RuleInterval(r)
		if err != nil {
			continue
		}
		if interval.Overlaps(iv, other) {
			return ErrRuleOverlap
		}
	}
	return nil
}

// CheckNewException enforces: one full-day exception per date, partials
// disjoint from each other, inside the date, and inside some weekly rule.
func CheckNewException(existing []appointment.ScheduleException, rules []appointment.WeeklyScheduleRule, e appointment.ScheduleException, day time.Time) error {
	if err := appointment.ValidateException(e); err != nil {
		return err
	}
	for _, x := range existing {
		if x.ExceptionDate == e.ExceptionDate && x.FullDay() {
			return ErrFullDayExists
		}
	}
	if e.FullDay() {
		return nil
	}

	next := AddDays(day, 1)
	if e.StartTime.Before(day) || e.EndTime.After(next) {
		return ErrExceptionOutsideDay
	}
	cuts, _ := ExceptionCuts([]appointment.ScheduleException{e}, day)
	if len(cuts) != 1 {
		return ErrExceptionOutsideDay
	}
	cut := cuts[0]

	others, _ := ExceptionCuts(existing, day)
	for _, o := range others {
		if interval.Overlaps(cut, o) {
			return ErrExceptionOverlap
		}
	}

	for _, r := range rules {
		iv, err := appointment.RuleInterval(r)
		if err != nil {
			continue
		}
		if iv.Covers(cut) {
			return nil
		}
	}
	return ErrExceptionOutsideHours
}
