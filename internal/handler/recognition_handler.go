package handler

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grading-api/internal/dto"
	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/internal/service"
	"github.com/noah-isme/gema-grading-api/internal/utils"
	"github.com/noah-isme/gema-grading-api/pkg/engine"
)

const subscriptionLocal = "job_subscription"

// RecognitionHandler exposes answer-sheet recognition, job polling, the
// engine callback and the job push channels.
type RecognitionHandler struct {
	service   service.RecognitionService
	logger    zerolog.Logger
	keepAlive time.Duration
}

// NewRecognitionHandler constructs a handler instance.
func NewRecognitionHandler(service service.RecognitionService, logger zerolog.Logger, keepAlive time.Duration) *RecognitionHandler {
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}
	return &RecognitionHandler{
		service:   service,
		logger:    logger.With().Str("component", "recognition_handler").Logger(),
		keepAlive: keepAlive,
	}
}

// Register binds the client-facing routes. submitLimit guards the routes that
// forward work to the engine and may be nil.
func (h *RecognitionHandler) Register(router fiber.Router, submitLimit fiber.Handler) {
	if submitLimit == nil {
		submitLimit = func(c *fiber.Ctx) error { return c.Next() }
	}

	router.Post("/answer-sheet", submitLimit, h.recognize)
	router.Post("/batch", submitLimit, h.submitBatch)
	router.Post("/async/submit", submitLimit, h.submitAsync)
	router.Get("/async/status/:jobId", h.status)
	router.Get("/async/result/:jobId", h.result)
	router.Get("/jobs/:jobId/events", h.events)
	router.Get("/jobs/:jobId/ws", h.upgrade, websocket.New(h.streamWebSocket))
}

// RegisterCallback binds the engine callback route.
func (h *RecognitionHandler) RegisterCallback(router fiber.Router) {
	router.Post("", h.callback)
}

func (h *RecognitionHandler) recognize(c *fiber.Ctx) error {
	header, err := c.FormFile("file")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "file is required")
	}
	file, err := readUpload(header)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "unable to read file")
	}

	var opts dto.RecognitionOptions
	if err := c.BodyParser(&opts); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid form fields")
	}

	result, err := h.service.Recognize(requestContext(c), file, opts)
	if err != nil {
		return h.fail(c, err, "recognition failed")
	}

	return utils.SendSuccess(c, "answer sheet recognised", result)
}

func (h *RecognitionHandler) submitAsync(c *fiber.Ctx) error {
	header, err := c.FormFile("file")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "file is required")
	}
	file, err := readUpload(header)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "unable to read file")
	}

	var req dto.AsyncSubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid form fields")
	}

	job, err := h.service.SubmitAsync(requestContext(c), file, req)
	if err != nil {
		return h.fail(c, err, "job submission failed")
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "recognition job submitted", job)
}

func (h *RecognitionHandler) submitBatch(c *fiber.Ctx) error {
	form, err := c.MultipartForm()
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "multipart form required")
	}

	headers := form.File["files"]
	if len(headers) == 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "files are required")
	}

	files := make([]dto.UploadedFile, 0, len(headers))
	for _, header := range headers {
		file, err := readUpload(header)
		if err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "unable to read file "+header.Filename)
		}
		files = append(files, file)
	}

	var req dto.BatchSubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid form fields")
	}

	batch, err := h.service.SubmitBatch(requestContext(c), files, req)
	if err != nil {
		return h.fail(c, err, "batch submission failed")
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "batch submitted", batch)
}

func (h *RecognitionHandler) status(c *fiber.Ctx) error {
	job, err := h.service.Status(requestContext(c), jobIDParam(c))
	if err != nil {
		return h.fail(c, err, "unable to load job status")
	}
	return utils.SendSuccess(c, "job status", job)
}

func (h *RecognitionHandler) result(c *fiber.Ctx) error {
	job, err := h.service.Result(requestContext(c), jobIDParam(c))
	if errors.Is(err, service.ErrJobNotReady) {
		return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, err.Error(), job)
	}
	if err != nil {
		return h.fail(c, err, "unable to load job result")
	}
	return utils.SendSuccess(c, "job result", job)
}

func (h *RecognitionHandler) callback(c *fiber.Ctx) error {
	var payload dto.RecognitionCallbackRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	result, err := h.service.HandleCallback(requestContext(c), payload)
	if err != nil {
		return h.fail(c, err, "callback failed")
	}

	ack := dto.CallbackAckResponse{
		JobID:   result.Job.ID,
		Status:  string(result.Job.Status),
		Applied: result.Applied,
	}
	if ack.JobID == "" {
		ack.JobID = payload.JobID
	}

	message := "callback applied"
	if !result.Applied {
		message = "callback ignored"
	}
	return utils.SendSuccess(c, message, ack)
}

func (h *RecognitionHandler) events(c *fiber.Ctx) error {
	sub, err := h.service.Subscribe(requestContext(c), jobIDParam(c), service.TransportSSE)
	if err != nil {
		return h.fail(c, err, "unable to open event stream")
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	logger := h.logger.With().Str("job_id", sub.JobID).Str("subscription_id", sub.ID).Logger()
	keepAlive := h.keepAlive

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer sub.Close()

		ticker := time.NewTicker(keepAlive / 2)
		defer ticker.Stop()

		for {
			select {
			case event, ok := <-sub.Events():
				if !ok {
					return
				}
				if err := writeJobEvent(w, event); err != nil {
					logger.Debug().Err(err).Msg("failed to write job event")
					return
				}
			case <-ticker.C:
				if err := writeKeepAlive(w); err != nil {
					logger.Debug().Err(err).Msg("failed to write job keepalive")
					return
				}
			}
		}
	})

	return nil
}

// upgrade subscribes before the websocket handshake so unknown jobs get a
// plain 404 instead of an upgraded connection.
func (h *RecognitionHandler) upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	sub, err := h.service.Subscribe(requestContext(c), jobIDParam(c), service.TransportWebSocket)
	if err != nil {
		return h.fail(c, err, "unable to open job channel")
	}

	c.Locals(subscriptionLocal, sub)
	return c.Next()
}

type jobSocketMessage struct {
	Event string              `json:"event"`
	Data  dto.JobEventPayload `json:"data"`
}

func (h *RecognitionHandler) streamWebSocket(conn *websocket.Conn) {
	sub, ok := conn.Locals(subscriptionLocal).(*service.Subscription)
	if !ok {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscription missing"))
		return
	}
	defer sub.Close()

	logger := h.logger.With().Str("job_id", sub.JobID).Str("subscription_id", sub.ID).Logger()
	logger.Debug().Msg("job websocket connected")

	// The read loop only detects the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.keepAlive / 2)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"))
				return
			}
			if err := conn.WriteJSON(jobSocketMessage{Event: string(event.Kind), Data: dto.NewJobEventPayload(event)}); err != nil {
				logger.Debug().Err(err).Msg("failed to write job event")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				logger.Debug().Err(err).Msg("failed to ping job websocket")
				return
			}
		case <-closed:
			logger.Debug().Msg("job websocket closed by client")
			return
		}
	}
}

func (h *RecognitionHandler) fail(c *fiber.Ctx, err error, fallback string) error {
	var engineErr *engine.Error
	switch {
	case isValidationError(err):
		return utils.Fail(c, fiber.StatusBadRequest, "validation failed", validationDetails(err))
	case errors.Is(err, service.ErrFileTooLarge):
		return utils.SendError(c, fiber.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, service.ErrUnsupportedFile), errors.Is(err, service.ErrInvalidCallback):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrJobNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "job not found")
	case errors.As(err, &engineErr):
		requestLogger(h.logger, c).Warn().Err(err).Msg(fallback)
		return utils.SendError(c, fiber.StatusBadGateway, err.Error())
	default:
		requestLogger(h.logger, c).Error().Err(err).Msg(fallback)
		return utils.SendError(c, fiber.StatusInternalServerError, fallback)
	}
}

func writeJobEvent(w *bufio.Writer, event models.JobEvent) error {
	payload, err := json.Marshal(dto.NewJobEventPayload(event))
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\n", event.Sequence, event.Kind); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	return w.Flush()
}

func writeKeepAlive(w *bufio.Writer) error {
	if _, err := fmt.Fprintf(w, ": keep-alive %s\n\n", time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return w.Flush()
}
