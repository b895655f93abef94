package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-grading-api/internal/models"
)

// ExamResultRepository persists grading attempts and their question results.
type ExamResultRepository interface {
	Transaction(ctx context.Context, fn func(repo ExamResultRepository) error) error
	GetByID(ctx context.Context, id uint) (models.ExamResult, error)
	// GetByIDForUpdate loads an attempt and holds its row lock until the
	// surrounding transaction ends. Use it inside Transaction only.
	GetByIDForUpdate(ctx context.Context, id uint) (models.ExamResult, error)
	LatestBySubmission(ctx context.Context, submissionID uint) (models.ExamResult, error)
	HistoryBySubmission(ctx context.Context, submissionID uint) ([]models.ExamResult, error)
	CurrentBySubmission(ctx context.Context, submissionID uint) (models.ExamResult, error)
	MaxVersion(ctx context.Context, submissionID uint) (int, error)
	Create(ctx context.Context, result *models.ExamResult) error
	TransitionStatus(ctx context.Context, id uint, from, to models.GradingStatus) (bool, error)
	Complete(ctx context.Context, id uint, totalScore float64, comment string) (bool, error)
	GetQuestionResult(ctx context.Context, id uint) (models.QuestionResult, error)
	SaveQuestionResult(ctx context.Context, result *models.QuestionResult) error
}

type examResultRepository struct {
	db *gorm.DB
}

// NewExamResultRepository constructs the GORM-backed grading repository.
func NewExamResultRepository(db *gorm.DB) ExamResultRepository {
	return &examResultRepository{db: db}
}

func (r *examResultRepository) Transaction(ctx context.Context, fn func(repo ExamResultRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&examResultRepository{db: tx})
	})
}

func (r *examResultRepository) GetByID(ctx context.Context, id uint) (models.ExamResult, error) {
	var result models.ExamResult
	if err := r.db.WithContext(ctx).
		Preload("QuestionResults", func(tx *gorm.DB) *gorm.DB {
			return tx.Order("id ASC")
		}).
		First(&result, id).Error; err != nil {
		return models.ExamResult{}, err
	}
	return result, nil
}

func (r *examResultRepository) GetByIDForUpdate(ctx context.Context, id uint) (models.ExamResult, error) {
	var result models.ExamResult
	if err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&result, id).Error; err != nil {
		return models.ExamResult{}, err
	}

	if err := r.db.WithContext(ctx).
		Where("exam_result_id = ?", result.ID).
		Order("id ASC").
		Find(&result.QuestionResults).Error; err != nil {
		return models.ExamResult{}, err
	}
	return result, nil
}

func (r *examResultRepository) LatestBySubmission(ctx context.Context, submissionID uint) (models.ExamResult, error) {
	var result models.ExamResult
	if err := r.db.WithContext(ctx).
		Preload("QuestionResults", func(tx *gorm.DB) *gorm.DB {
			return tx.Order("id ASC")
		}).
		Where("submission_id = ?", submissionID).
		Order("version DESC").
		First(&result).Error; err != nil {
		return models.ExamResult{}, err
	}
	return result, nil
}

func (r *examResultRepository) HistoryBySubmission(ctx context.Context, submissionID uint) ([]models.ExamResult, error) {
	var results []models.ExamResult
	if err := r.db.WithContext(ctx).
		Where("submission_id = ?", submissionID).
		Order("version DESC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *examResultRepository) CurrentBySubmission(ctx context.Context, submissionID uint) (models.ExamResult, error) {
	var result models.ExamResult
	if err := r.db.WithContext(ctx).
		Where("submission_id = ? AND status <> ?", submissionID, models.GradingStatusRegraded).
		Order("version DESC").
		First(&result).Error; err != nil {
		return models.ExamResult{}, err
	}
	return result, nil
}

func (r *examResultRepository) MaxVersion(ctx context.Context, submissionID uint) (int, error) {
	var version int
	if err := r.db.WithContext(ctx).
		Model(&models.ExamResult{}).
		Where("submission_id = ?", submissionID).
		Select("COALESCE(MAX(version), 0)").
		Scan(&version).Error; err != nil {
		return 0, err
	}
	return version, nil
}

func (r *examResultRepository) Create(ctx context.Context, result *models.ExamResult) error {
	return r.db.WithContext(ctx).Create(result).Error
}

func (r *examResultRepository) TransitionStatus(ctx context.Context, id uint, from, to models.GradingStatus) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.ExamResult{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{
			"status":     to,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *examResultRepository) Complete(ctx context.Context, id uint, totalScore float64, comment string) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.ExamResult{}).
		Where("id = ? AND status = ?", id, models.GradingStatusInProgress).
		Updates(map[string]interface{}{
			"status":          models.GradingStatusCompleted,
			"total_score":     totalScore,
			"grading_comment": comment,
			"updated_at":      time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *examResultRepository) GetQuestionResult(ctx context.Context, id uint) (models.QuestionResult, error) {
	var result models.QuestionResult
	if err := r.db.WithContext(ctx).First(&result, id).Error; err != nil {
		return models.QuestionResult{}, err
	}
	return result, nil
}

func (r *examResultRepository) SaveQuestionResult(ctx context.Context, result *models.QuestionResult) error {
	return r.db.WithContext(ctx).Save(result).Error
}

// IsDuplicateKey reports whether err is a unique-constraint violation.
func IsDuplicateKey(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
