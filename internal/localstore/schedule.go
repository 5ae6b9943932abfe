package localstore

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
)

// WeeklyRules reads the mirrored rules of one weekday.
func (s *Store) WeeklyRules(ctx context.Context, weekday int) ([]appointment.WeeklyScheduleRule, error) {
	var rows []ruleRow
	err := s.db.WithContext(ctx).Where("weekday = ?", weekday).Order("start_time").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list weekly rules for weekday %d: %w", weekday, err)
	}
	out := make([]appointment.WeeklyScheduleRule, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

// Exceptions reads the mirrored exceptions of one date key.
func (s *Store) Exceptions(ctx context.Context, dateKey string) ([]appointment.ScheduleException, error) {
	var rows []exceptionRow
	err := s.db.WithContext(ctx).Where("exception_date = ?", dateKey).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list exceptions for %s: %w", dateKey, err)
	}
	out := make([]appointment.ScheduleException, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

// ReplaceWeeklyRules swaps the whole mirrored week for rules.
func (s *Store) ReplaceWeeklyRules(ctx context.Context, rules []appointment.WeeklyScheduleRule) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&ruleRow{}).Error; err != nil {
			return fmt.Errorf("clear weekly rules: %w", err)
		}
		if len(rules) == 0 {
			return nil
		}
		rows := make([]ruleRow, 0, len(rules))
		for _, r := range rules {
			rows = append(rows, toRuleRow(r))
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("store weekly rules: %w", err)
		}
		return nil
	})
}

// ReplaceExceptions swaps the mirrored exceptions of [fromKey, toKey] for exs.
func (s *Store) ReplaceExceptions(ctx context.Context, fromKey, toKey string, exs []appointment.ScheduleException) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("exception_date >= ? AND exception_date <= ?", fromKey, toKey).Delete(&exceptionRow{}).Error
		if err != nil {
			return fmt.Errorf("clear exceptions %s..%s: %w", fromKey, toKey, err)
		}
		if len(exs) == 0 {
			return nil
		}
		rows := make([]exceptionRow, 0, len(exs))
		for _, e := range exs {
			rows = append(rows, toExceptionRow(e))
		}
		if err := tx.Save(&rows).Error; err != nil {
			return fmt.Errorf("store exceptions: %w", err)
		}
		return nil
	})
}
