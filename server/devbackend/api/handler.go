package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"fieldsync/server/common/auth"
	commonlog "fieldsync/server/common/log"
	"fieldsync/server/common/middleware"
	"fieldsync/server/common/transport/httpresp"
	"fieldsync/server/devbackend/domain"
	"fieldsync/server/devbackend/service"
)

const (
	maxPhotoBytes = 32 << 20
	pingInterval  = 25 * time.Second
	pongWait      = 60 * time.Second
)

type Handler struct {
	auth     *auth.Service
	users    *service.UserDirectory
	fixtures *service.Fixtures
	hub      *service.Hub
	alerts   *service.AlertService
	photos   *service.PhotoService
}

func NewHandler(authSvc *auth.Service, users *service.UserDirectory, fixtures *service.Fixtures, hub *service.Hub, alerts *service.AlertService, photos *service.PhotoService) *Handler {
	return &Handler{auth: authSvc, users: users, fixtures: fixtures, hub: hub, alerts: alerts, photos: photos}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, httpresp.NewOKResponse()) })
	r.POST("/api/auth/login", h.login)
	r.GET("/ws/mobile", h.handleMobileWS)

	api := r.Group("/api")
	api.Use(middleware.AuthRequired(h.auth))
	{
		api.GET("/projects", h.listProjects)
		api.GET("/tasks", h.listTasks)
		api.GET("/alerts", h.listAlerts)
		api.POST("/photos/upload", h.uploadPhoto)
		api.GET("/photos", h.listPhotos)

		dispatcher := api.Group("/dev")
		dispatcher.Use(middleware.RequireRoles(string(domain.RoleDispatcher)))
		dispatcher.POST("/alerts", h.pushAlert)
		dispatcher.POST("/projects/:id/updated", h.projectUpdated)
	}
}

func (h *Handler) login(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	user, err := h.users.Authenticate(req.Email, req.Password)
	if err != nil {
		commonlog.Warnf("event=devbackend_auth action=login status=failed email=%s", req.Email)
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrInvalidCredentials))
		return
	}
	token, err := h.auth.GenerateToken(user.ID, string(user.Role))
	if err != nil {
		c.JSON(http.StatusInternalServerError, httpresp.NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, httpresp.NewTokenResponse(token, user.ID, user.Name, string(user.Role)))
}

func (h *Handler) listProjects(c *gin.Context) {
	c.JSON(http.StatusOK, h.fixtures.Projects())
}

// listTasks returns the caller's tasks plus unassigned ones, wrapped under "items".
func (h *Handler) listTasks(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)
	items := []domain.Task{}
	for _, t := range h.fixtures.Tasks() {
		if t.Assignee == "" || t.Assignee == userID {
			items = append(items, t)
		}
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *Handler) listAlerts(c *gin.Context) {
	c.JSON(http.StatusOK, h.fixtures.Alerts())
}

func (h *Handler) uploadPhoto(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxPhotoBytes)
	fileHeader, err := c.FormFile("photo")
	if err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(httpresp.ErrPhotoRequired))
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}

	upload := service.PhotoUpload{
		UserID:      c.GetString(middleware.ContextUserID),
		FileName:    fileHeader.Filename,
		ContentType: fileHeader.Header.Get("Content-Type"),
		Data:        data,
		Description: c.PostForm("description"),
	}
	if upload.Latitude, err = optionalFloat(c.PostForm("latitude")); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse("latitude: "+err.Error()))
		return
	}
	if upload.Longitude, err = optionalFloat(c.PostForm("longitude")); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse("longitude: "+err.Error()))
		return
	}
	if ts := strings.TrimSpace(c.PostForm("timestamp")); ts != "" {
		capturedAt, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse("timestamp: "+err.Error()))
			return
		}
		upload.CapturedAt = capturedAt
	}

	photo, err := h.photos.Save(c.Request.Context(), upload)
	if err != nil {
		c.JSON(http.StatusInternalServerError, httpresp.NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusCreated, photo)
}

func (h *Handler) listPhotos(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"items": h.photos.List(c.GetString(middleware.ContextUserID))})
}

func optionalFloat(raw string) (*float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (h *Handler) pushAlert(c *gin.Context) {
	var req struct {
		UserID   string `json:"user_id"`
		Title    string `json:"title"`
		Message  string `json:"message"`
		Severity string `json:"severity"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	alert, fanout, err := h.alerts.Push(domain.Alert{Title: req.Title, Message: req.Message, Severity: req.Severity}, req.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusCreated, gin.H{"alert": alert, "fanout_count": fanout})
}

func (h *Handler) projectUpdated(c *gin.Context) {
	var req struct {
		Status domain.ProjectStatus `json:"status"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
			return
		}
	}
	project, fanout, err := h.alerts.ProjectUpdated(c.Param("id"), req.Status)
	if errors.Is(err, service.ErrNotFound) {
		c.JSON(http.StatusNotFound, httpresp.NewErrorResponse(err.Error()))
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, httpresp.NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": project, "fanout_count": fanout})
}

var mobileUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func (h *Handler) handleMobileWS(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrMissingBearerToken))
		return
	}
	userID, _, err := h.auth.ParseAuthContext(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrInvalidToken))
		return
	}
	if q := strings.TrimSpace(c.Query("user_id")); q != userID {
		c.JSON(http.StatusForbidden, httpresp.NewErrorResponse(httpresp.ErrUserIDMismatch))
		return
	}

	conn, err := mobileUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		commonlog.Warnf("event=mobile_ws action=upgrade status=failed user_id=%s error=%v", userID, err)
		return
	}
	client := service.NewWSClient(userID, conn)
	h.hub.Register(client)
	defer h.hub.Unregister(client)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := h.hub.HandleInbound(client, frame); err != nil {
			commonlog.Warnf("event=mobile_ws action=inbound status=failed user_id=%s error=%v", userID, err)
		}
	}
}
