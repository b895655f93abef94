package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-api/internal/models"
)

// ExamSubmissionRepository reads submissions and their answers for grading.
type ExamSubmissionRepository interface {
	GetByID(ctx context.Context, id uint) (models.ExamSubmission, error)
	AnswersByID(ctx context.Context, ids []uint) (map[uint]models.SubmissionAnswer, error)
}

type examSubmissionRepository struct {
	db *gorm.DB
}

// NewExamSubmissionRepository constructs a read-only submission repository.
func NewExamSubmissionRepository(db *gorm.DB) ExamSubmissionRepository {
	return &examSubmissionRepository{db: db}
}

func (r *examSubmissionRepository) GetByID(ctx context.Context, id uint) (models.ExamSubmission, error) {
	var submission models.ExamSubmission
	if err := r.db.WithContext(ctx).
		Preload("Answers", func(tx *gorm.DB) *gorm.DB {
			return tx.Order("id ASC")
		}).
		First(&submission, id).Error; err != nil {
		return models.ExamSubmission{}, err
	}
	return submission, nil
}

func (r *examSubmissionRepository) AnswersByID(ctx context.Context, ids []uint) (map[uint]models.SubmissionAnswer, error) {
	answers := make(map[uint]models.SubmissionAnswer, len(ids))
	if len(ids) == 0 {
		return answers, nil
	}

	var rows []models.SubmissionAnswer
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		answers[row.ID] = row
	}
	return answers, nil
}
