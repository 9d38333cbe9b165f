package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-timetable-api/internal/models"
)

// ScheduleConfigRepository reads the per-school timetable shape.
type ScheduleConfigRepository struct {
	db *sqlx.DB
}

// NewScheduleConfigRepository constructs a ScheduleConfigRepository.
func NewScheduleConfigRepository(db *sqlx.DB) *ScheduleConfigRepository {
	return &ScheduleConfigRepository{db: db}
}

// GetBySchool returns the configuration of a school or sql.ErrNoRows.
func (r *ScheduleConfigRepository) GetBySchool(ctx context.Context, schoolID string) (*models.ScheduleConfig, error) {
	const query = `SELECT school_id, number_of_periods, interval_slots, days_of_week, updated_at FROM schedule_configs WHERE school_id = $1`
	var cfg models.ScheduleConfig
	if err := r.db.GetContext(ctx, &cfg, query, schoolID); err != nil {
		return nil, err
	}
	return &cfg, nil
}
