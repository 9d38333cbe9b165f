package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-timetable-api/internal/models"
)

// slotInsertChunk keeps each bulk insert well under the postgres parameter limit.
const slotInsertChunk = 500

// TimetableSlotRepository manages the slot set of timetable versions.
type TimetableSlotRepository struct {
	db *sqlx.DB
}

// NewTimetableSlotRepository constructs a TimetableSlotRepository.
func NewTimetableSlotRepository(db *sqlx.DB) *TimetableSlotRepository {
	return &TimetableSlotRepository{db: db}
}

func (r *TimetableSlotRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// DeleteByVersion removes every slot of a version and reports how many were removed.
func (r *TimetableSlotRepository) DeleteByVersion(ctx context.Context, exec sqlx.ExtContext, schoolID, versionID string) (int64, error) {
	const query = `DELETE FROM timetable_slots WHERE school_id = $1 AND version_id = $2`
	result, err := r.exec(exec).ExecContext(ctx, query, schoolID, versionID)
	if err != nil {
		return 0, fmt.Errorf("delete timetable slots: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("timetable slots rows affected: %w", err)
	}
	return affected, nil
}

// InsertBatch bulk inserts slots. IDs and timestamps are filled in when empty.
func (r *TimetableSlotRepository) InsertBatch(ctx context.Context, exec sqlx.ExtContext, slots []models.TimetableSlot) (int64, error) {
	if len(slots) == 0 {
		return 0, nil
	}
	target := r.exec(exec)
	now := time.Now().UTC()
	for i := range slots {
		if slots[i].ID == "" {
			slots[i].ID = uuid.NewString()
		}
		if slots[i].CreatedAt.IsZero() {
			slots[i].CreatedAt = now
		}
	}

	const query = `
INSERT INTO timetable_slots (id, school_id, version_id, class_id, lesson_id, day, period_number, is_double_start, is_double_end, created_at)
VALUES (:id, :school_id, :version_id, :class_id, :lesson_id, :day, :period_number, :is_double_start, :is_double_end, :created_at)`

	var inserted int64
	for start := 0; start < len(slots); start += slotInsertChunk {
		end := start + slotInsertChunk
		if end > len(slots) {
			end = len(slots)
		}
		result, err := sqlx.NamedExecContext(ctx, target, query, slots[start:end])
		if err != nil {
			return inserted, fmt.Errorf("insert timetable slots: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return inserted, fmt.Errorf("timetable slots rows affected: %w", err)
		}
		inserted += affected
	}
	return inserted, nil
}

// ListDetailedByVersion returns slots joined with class and lesson names.
func (r *TimetableSlotRepository) ListDetailedByVersion(ctx context.Context, schoolID, versionID string) ([]models.TimetableSlotDetail, error) {
	const query = `SELECT s.id, s.school_id, s.version_id, s.class_id, s.lesson_id, s.day, s.period_number, s.is_double_start, s.is_double_end, s.created_at,
COALESCE(c.name, s.class_id) AS class_name, COALESCE(l.lesson_name, s.lesson_id) AS lesson_name
FROM timetable_slots s
LEFT JOIN classes c ON c.id::text = s.class_id AND c.school_id = s.school_id
LEFT JOIN lessons l ON l.id::text = s.lesson_id AND l.school_id = s.school_id
WHERE s.school_id = $1 AND s.version_id = $2
ORDER BY class_name ASC, s.day ASC, s.period_number ASC`
	var slots []models.TimetableSlotDetail
	if err := r.db.SelectContext(ctx, &slots, query, schoolID, versionID); err != nil {
		return nil, fmt.Errorf("list detailed timetable slots: %w", err)
	}
	return slots, nil
}
