package api

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"hwahaego/internal/codes"
	"hwahaego/internal/mediation"
	"hwahaego/internal/models"
	"hwahaego/internal/sessions"
	"hwahaego/internal/storage"
)

// Handler wires HTTP routes to the mediation engines and their collaborators.
// codes and store may be nil when the deployment runs without a database:
// code validation then accepts any code and persisted records are absent.
type Handler struct {
	registry *sessions.Registry
	codes    *codes.Service
	store    *storage.ConversationStore
}

// NewHandler constructs a Handler instance.
func NewHandler(registry *sessions.Registry, codeSvc *codes.Service, store *storage.ConversationStore) *Handler {
	return &Handler{registry: registry, codes: codeSvc, store: store}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/codes", h.issueCode)
	api.POST("/codes/validate", h.validateCode)
	api.POST("/sessions", h.startSession)

	session := api.Group("/sessions/:id")
	session.GET("", h.getSession)
	session.POST("/ack", h.acknowledge)
	session.POST("/messages", h.sendMessage)
	session.POST("/speaker", h.selectSpeaker)
	session.POST("/end", h.requestEnd)
	session.POST("/cancel-end", h.cancelEnd)
	session.POST("/resolution", h.resolve)
	session.POST("/restart", h.restart)

	api.GET("/conversations/:id", h.getConversation)
}

type issueCodeRequest struct {
	Label string `json:"label"`
}

func (h *Handler) issueCode(c *gin.Context) {
	if h.codes == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "code storage not configured"})
		return
	}
	var req issueCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	sc, err := h.codes.Issue(c.Request.Context(), req.Label)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, sc)
}

type validateCodeRequest struct {
	Code string `json:"code"`
}

func (h *Handler) validateCode(c *gin.Context) {
	var req validateCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if h.codes == nil {
		// no code storage: every code opens an unlabeled session
		c.JSON(http.StatusOK, gin.H{"valid": true, "label": ""})
		return
	}
	sc, err := h.codes.Validate(c.Request.Context(), req.Code)
	if err != nil {
		c.JSON(codeStatus(err), gin.H{"valid": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "label": sc.Label})
}

type startSessionRequest struct {
	Code         string   `json:"code"`
	Participants []string `json:"participants"`
}

func (h *Handler) startSession(c *gin.Context) {
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	label := ""
	if h.codes != nil {
		sc, err := h.codes.Validate(c.Request.Context(), req.Code)
		if err != nil {
			c.JSON(codeStatus(err), gin.H{"error": err.Error()})
			return
		}
		label = sc.Label
	}

	roster, err := models.NewRoster(req.Participants)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, engine := h.registry.Create()
	if err := engine.Begin(c.Request.Context(), roster, req.Code, label); err != nil {
		h.registry.Remove(token)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"session_id": token,
		"session":    engine.Snapshot(),
	})
}

func (h *Handler) getSession(c *gin.Context) {
	engine, ok := h.engineFor(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, engine.Snapshot())
}

func (h *Handler) acknowledge(c *gin.Context) {
	engine, ok := h.engineFor(c)
	if !ok {
		return
	}
	if err := engine.Acknowledge(); err != nil {
		c.JSON(engineStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": engine.State()})
}

type sendMessageRequest struct {
	Speaker string `json:"speaker"`
	Content string `json:"content"`
}

func (h *Handler) sendMessage(c *gin.Context) {
	engine, ok := h.engineFor(c)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	reply, err := engine.Send(c.Request.Context(), req.Speaker, req.Content)
	if err != nil {
		c.JSON(engineStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":          reply,
		"expected_speaker": engine.ExpectedSpeaker(),
	})
}

type selectSpeakerRequest struct {
	Speaker string `json:"speaker"`
}

func (h *Handler) selectSpeaker(c *gin.Context) {
	engine, ok := h.engineFor(c)
	if !ok {
		return
	}
	var req selectSpeakerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := engine.SelectSpeaker(req.Speaker); err != nil {
		c.JSON(engineStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"expected_speaker": engine.ExpectedSpeaker()})
}

func (h *Handler) requestEnd(c *gin.Context) {
	engine, ok := h.engineFor(c)
	if !ok {
		return
	}
	if err := engine.RequestEnd(); err != nil {
		c.JSON(engineStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": engine.State()})
}

func (h *Handler) cancelEnd(c *gin.Context) {
	engine, ok := h.engineFor(c)
	if !ok {
		return
	}
	if err := engine.CancelEnd(); err != nil {
		c.JSON(engineStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": engine.State()})
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
}

func (h *Handler) resolve(c *gin.Context) {
	engine, ok := h.engineFor(c)
	if !ok {
		return
	}
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := engine.Resolve(c.Request.Context(), models.Resolution(req.Resolution)); err != nil {
		c.JSON(engineStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, engine.Snapshot())
}

func (h *Handler) restart(c *gin.Context) {
	engine := h.registry.Restart(c.Param("id"))
	if engine == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": engine.State()})
}

func (h *Handler) getConversation(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "persistence not configured"})
		return
	}
	conv, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *Handler) engineFor(c *gin.Context) (*mediation.Engine, bool) {
	engine := h.registry.Get(c.Param("id"))
	if engine == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return nil, false
	}
	return engine, true
}

// engineStatus maps the engine's rejection sentinels onto HTTP codes: state
// conflicts to 409, invalid input to 400.
func engineStatus(err error) int {
	switch {
	case errors.Is(err, mediation.ErrBusy),
		errors.Is(err, mediation.ErrBadState),
		errors.Is(err, mediation.ErrNotYourTurn),
		errors.Is(err, mediation.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, mediation.ErrNoExpectedSpeaker),
		errors.Is(err, mediation.ErrEmptyMessage),
		errors.Is(err, mediation.ErrTooFewMessages),
		errors.Is(err, mediation.ErrUnknownParticipant),
		errors.Is(err, mediation.ErrBadResolution):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func codeStatus(err error) int {
	switch {
	case errors.Is(err, codes.ErrInvalidCode):
		return http.StatusNotFound
	case errors.Is(err, codes.ErrExpiredCode):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
