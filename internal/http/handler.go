package http

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"anpr-edge/internal/domain/anpr"
	"anpr-edge/internal/frame"
	"anpr-edge/internal/service"
	"anpr-edge/internal/snapshot"
	"anpr-edge/internal/vision"
	"anpr-edge/internal/worker"
)

const (
	maxUploadBytes     = 10 << 20
	maxUploadDimension = 8192
)

type DetectionControl interface {
	Pause()
	Resume()
	Stats() worker.Stats
}

type FrameProvider interface {
	LatestFrame() (frame.Frame, bool)
	Available() bool
}

type Recognizer interface {
	Process(ctx context.Context, f frame.Frame) (*anpr.RecognitionResult, error)
}

type Handler struct {
	registry   *service.RegistryService
	gate       *service.GateService
	detection  DetectionControl
	frames     FrameProvider
	recognizer Recognizer
	hub        *Hub
	log        zerolog.Logger
}

func NewHandler(
	registry *service.RegistryService,
	gate *service.GateService,
	detection DetectionControl,
	frames FrameProvider,
	recognizer Recognizer,
	hub *Hub,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		registry:   registry,
		gate:       gate,
		detection:  detection,
		frames:     frames,
		recognizer: recognizer,
		hub:        hub,
		log:        log.With().Str("component", "http").Logger(),
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	r.GET("/healthz", h.health)

	public := r.Group("/api/v1")
	{
		public.GET("/vehicles", h.listVehicles)
		public.GET("/vehicles/:plate", h.getVehicle)
		public.GET("/detections", h.listDetections)
		public.GET("/stats", h.stats)
		public.GET("/camera/frame.jpg", h.latestFrame)
		public.GET("/detection/state", h.detectionState)
		if h.hub != nil {
			public.GET("/ws", h.hub.Serve)
		}
	}

	protected := r.Group("/api/v1")
	protected.Use(authMiddleware)
	{
		protected.POST("/vehicles", h.createVehicle)
		protected.PUT("/vehicles/:plate", h.updateVehicle)
		protected.DELETE("/vehicles/:plate", h.deleteVehicle)
		protected.POST("/detection/pause", h.pauseDetection)
		protected.POST("/detection/resume", h.resumeDetection)
		protected.POST("/recognize", h.recognize)
	}
}

type vehicleRequest struct {
	PlateNumber   string `json:"plate_number" binding:"required"`
	OwnerName     string `json:"owner_name" binding:"required"`
	VehicleType   string `json:"vehicle_type"`
	ContactNumber string `json:"contact_number"`
	ValidUntil    string `json:"valid_until"`
	Notes         string `json:"notes"`
}

type vehicleUpdateRequest struct {
	OwnerName     *string `json:"owner_name"`
	VehicleType   *string `json:"vehicle_type"`
	ContactNumber *string `json:"contact_number"`
	ValidUntil    *string `json:"valid_until"`
	Notes         *string `json:"notes"`
}

func parseDate(s string) (*time.Time, error) {
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: valid_until must be YYYY-MM-DD", service.ErrInvalidInput)
	}
	return &t, nil
}

func (h *Handler) createVehicle(c *gin.Context) {
	var req vehicleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	rec := anpr.VehicleRecord{
		PlateNumber:   req.PlateNumber,
		OwnerName:     req.OwnerName,
		VehicleType:   req.VehicleType,
		ContactNumber: req.ContactNumber,
		Notes:         req.Notes,
	}
	if req.ValidUntil != "" {
		d, err := parseDate(req.ValidUntil)
		if err != nil {
			h.handleError(c, err)
			return
		}
		rec.ValidUntil = d
	}

	out, err := h.registry.RegisterVehicle(c.Request.Context(), rec)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, successResponse(out))
}

func (h *Handler) getVehicle(c *gin.Context) {
	out, err := h.registry.GetVehicle(c.Request.Context(), c.Param("plate"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(out))
}

func (h *Handler) listVehicles(c *gin.Context) {
	out, err := h.registry.ListVehicles(c.Request.Context(), c.Query("q"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(out))
}

func (h *Handler) updateVehicle(c *gin.Context) {
	var req vehicleUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	upd := anpr.VehicleUpdate{
		OwnerName:     req.OwnerName,
		VehicleType:   req.VehicleType,
		ContactNumber: req.ContactNumber,
		Notes:         req.Notes,
	}
	if req.ValidUntil != nil {
		d, err := parseDate(*req.ValidUntil)
		if err != nil {
			h.handleError(c, err)
			return
		}
		upd.ValidUntil = d
	}

	out, err := h.registry.UpdateVehicle(c.Request.Context(), c.Param("plate"), upd)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(out))
}

func (h *Handler) deleteVehicle(c *gin.Context) {
	if err := h.registry.DeleteVehicle(c.Request.Context(), c.Param("plate")); err != nil {
		h.handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) listDetections(c *gin.Context) {
	q := service.HistoryQuery{
		Plate:  strings.TrimSpace(c.Query("plate")),
		Status: strings.TrimSpace(c.Query("status")),
		From:   strings.TrimSpace(c.Query("from")),
		To:     strings.TrimSpace(c.Query("to")),
	}
	if l := c.Query("limit"); l != "" {
		if parsed, err := parseInt(l); err == nil && parsed > 0 {
			q.Limit = parsed
		}
	}
	if o := c.Query("offset"); o != "" {
		if parsed, err := parseInt(o); err == nil && parsed >= 0 {
			q.Offset = parsed
		}
	}

	events, err := h.registry.History(c.Request.Context(), q)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(events))
}

func (h *Handler) stats(c *gin.Context) {
	stats, err := h.registry.Stats(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(stats))
}

func (h *Handler) latestFrame(c *gin.Context) {
	if h.frames == nil || !h.frames.Available() {
		c.JSON(http.StatusServiceUnavailable, errorResponse("camera unavailable"))
		return
	}
	maxWidth := 0
	if v := c.Query("width"); v != "" {
		n, err := parseInt(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, errorResponse("invalid width"))
			return
		}
		maxWidth = n
	}

	f, ok := h.frames.LatestFrame()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, errorResponse("no frame captured yet"))
		return
	}
	f, err := vision.FitWidth(f, maxWidth)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.Header("Cache-Control", "no-store")
	c.Header("Content-Type", "image/jpeg")
	c.Status(http.StatusOK)
	if err := snapshot.EncodeJPEG(c.Writer, f); err != nil {
		h.log.Error().Err(err).Msg("failed to encode preview frame")
	}
}

type detectionStateResponse struct {
	Worker       worker.Stats         `json:"worker"`
	LastDecision *anpr.AccessDecision `json:"last_decision,omitempty"`
}

func (h *Handler) detectionState(c *gin.Context) {
	resp := detectionStateResponse{}
	if h.detection != nil {
		resp.Worker = h.detection.Stats()
	}
	if h.gate != nil {
		resp.LastDecision = h.gate.LastDecision()
	}
	c.JSON(http.StatusOK, successResponse(resp))
}

func (h *Handler) pauseDetection(c *gin.Context) {
	if h.detection == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse("detection unavailable"))
		return
	}
	h.detection.Pause()
	c.JSON(http.StatusOK, successResponse(h.detection.Stats()))
}

func (h *Handler) resumeDetection(c *gin.Context) {
	if h.detection == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse("detection unavailable"))
		return
	}
	h.detection.Resume()
	c.JSON(http.StatusOK, successResponse(h.detection.Stats()))
}

type recognizeResponse struct {
	Recognized bool                 `json:"recognized"`
	Decision   *anpr.AccessDecision `json:"decision,omitempty"`
}

// recognize runs an uploaded image through the pipeline. Live detection is
// paused first and stays paused until the operator resumes it.
func (h *Handler) recognize(c *gin.Context) {
	if h.recognizer == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse("recognition unavailable"))
		return
	}

	fh, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("image file is required"))
		return
	}
	if fh.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, errorResponse("image too large"))
		return
	}
	file, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("cannot read image"))
		return
	}
	defer file.Close()

	cfg, _, err := image.DecodeConfig(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("unsupported image format"))
		return
	}
	if cfg.Width > maxUploadDimension || cfg.Height > maxUploadDimension {
		c.JSON(http.StatusRequestEntityTooLarge, errorResponse("image dimensions too large"))
		return
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("cannot read image"))
		return
	}

	img, _, err := image.Decode(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("unsupported image format"))
		return
	}

	if h.detection != nil {
		h.detection.Pause()
	}

	result, err := h.recognizer.Process(c.Request.Context(), frame.FromImage(img))
	if err != nil {
		h.handleError(c, err)
		return
	}
	if result == nil {
		c.JSON(http.StatusOK, successResponse(recognizeResponse{}))
		return
	}

	decision, err := h.gate.HandleRecognition(c.Request.Context(), *result)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(recognizeResponse{Recognized: true, Decision: decision}))
}

type healthResponse struct {
	Camera    bool         `json:"camera"`
	Detection worker.State `json:"detection"`
	Store     bool         `json:"store"`
	Clients   int          `json:"ws_clients"`
}

func (h *Handler) health(c *gin.Context) {
	resp := healthResponse{}
	if h.frames != nil {
		resp.Camera = h.frames.Available()
	}
	if h.detection != nil {
		resp.Detection = h.detection.Stats().State
	}
	if h.hub != nil {
		resp.Clients = h.hub.Clients()
	}

	status := http.StatusOK
	if err := h.registry.Ping(c.Request.Context()); err != nil {
		h.log.Warn().Err(err).Msg("registry health check failed")
		status = http.StatusServiceUnavailable
	} else {
		resp.Store = true
	}
	c.JSON(status, successResponse(resp))
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	case errors.Is(err, service.ErrAlreadyExists):
		c.JSON(http.StatusConflict, errorResponse(err.Error()))
	case errors.Is(err, service.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, errorResponse("store unavailable"))
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(s)
}
