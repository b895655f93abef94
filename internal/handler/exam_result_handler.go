package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grading-api/internal/dto"
	"github.com/noah-isme/gema-grading-api/internal/service"
	"github.com/noah-isme/gema-grading-api/internal/utils"
)

// ExamResultHandler wires the grading lifecycle endpoints.
type ExamResultHandler struct {
	service service.GradingLifecycleService
	logger  zerolog.Logger
}

// NewExamResultHandler constructs the handler.
func NewExamResultHandler(service service.GradingLifecycleService, logger zerolog.Logger) *ExamResultHandler {
	return &ExamResultHandler{
		service: service,
		logger:  logger.With().Str("component", "exam_result_handler").Logger(),
	}
}

// Register attaches grading endpoints to the router group.
func (h *ExamResultHandler) Register(router fiber.Router) {
	router.Post("/start", h.start)
	router.Post("/start-manual", h.startManual)
	router.Post("/regrade", h.regrade)
	router.Put("/complete", h.complete)
	router.Put("/question-results/:questionResultId/score", h.scoreQuestion)
	router.Get("/submission/:submissionId/latest", h.latest)
	router.Get("/submission/:submissionId/history", h.history)
	router.Post("/:resultId/auto-score", h.autoScore)
	router.Get("/:resultId", h.get)
}

func (h *ExamResultHandler) start(c *fiber.Ctx) error {
	var payload dto.StartGradingRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	result, err := h.service.StartAutoGrading(requestContext(c), payload)
	if err != nil {
		return h.fail(c, err, "failed to start grading")
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "grading started", result)
}

func (h *ExamResultHandler) startManual(c *fiber.Ctx) error {
	var payload dto.StartManualGradingRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	if payload.GraderID == 0 {
		payload.GraderID = userIDFromContext(c)
	}
	if payload.GraderID == 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "grader id required")
	}

	result, err := h.service.StartManualGrading(requestContext(c), payload)
	if err != nil {
		return h.fail(c, err, "failed to start grading")
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "grading started", result)
}

func (h *ExamResultHandler) regrade(c *fiber.Ctx) error {
	var payload dto.RegradeRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	result, err := h.service.StartRegrading(requestContext(c), payload)
	if err != nil {
		return h.fail(c, err, "failed to start regrading")
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "regrading started", result)
}

func (h *ExamResultHandler) complete(c *fiber.Ctx) error {
	var payload dto.CompleteGradingRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	result, err := h.service.CompleteGrading(requestContext(c), payload)
	if err != nil {
		return h.fail(c, err, "failed to complete grading")
	}
	return utils.SendSuccess(c, "grading completed", result)
}

func (h *ExamResultHandler) scoreQuestion(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "questionResultId")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.ScoreQuestionRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	result, err := h.service.ScoreQuestion(requestContext(c), id, payload)
	if err != nil {
		return h.fail(c, err, "failed to score question")
	}
	return utils.SendSuccess(c, "question scored", result)
}

func (h *ExamResultHandler) autoScore(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "resultId")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	result, err := h.service.AutoScore(requestContext(c), id)
	if err != nil {
		return h.fail(c, err, "failed to auto score")
	}
	return utils.SendSuccess(c, "answers scored", result)
}

func (h *ExamResultHandler) get(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "resultId")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	result, err := h.service.Get(requestContext(c), id)
	if err != nil {
		return h.fail(c, err, "failed to load exam result")
	}
	return utils.SendSuccess(c, "exam result", result)
}

func (h *ExamResultHandler) latest(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "submissionId")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	result, err := h.service.FindLatestBySubmission(requestContext(c), id)
	if err != nil {
		return h.fail(c, err, "failed to load exam result")
	}
	return utils.SendSuccess(c, "latest exam result", result)
}

func (h *ExamResultHandler) history(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "submissionId")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	results, err := h.service.FindHistoryBySubmission(requestContext(c), id)
	if err != nil {
		return h.fail(c, err, "failed to load grading history")
	}
	return utils.OK(c, results, "grading history", fiber.Map{"total": len(results)})
}

func (h *ExamResultHandler) fail(c *fiber.Ctx, err error, fallback string) error {
	switch {
	case isValidationError(err):
		return utils.Fail(c, fiber.StatusBadRequest, "validation failed", validationDetails(err))
	case errors.Is(err, service.ErrExamResultNotFound),
		errors.Is(err, service.ErrExamSubmissionNotFound),
		errors.Is(err, service.ErrQuestionResultNotFound):
		return utils.SendError(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrDuplicateGrading),
		errors.Is(err, service.ErrInvalidGradingTransition),
		errors.Is(err, service.ErrAttemptClosed):
		return utils.SendError(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, service.ErrIncompleteGrading):
		return utils.SendError(c, fiber.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, service.ErrScoreExceedsMax):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	default:
		requestLogger(h.logger, c).Error().Err(err).Msg(fallback)
		return utils.SendError(c, fiber.StatusInternalServerError, fallback)
	}
}
