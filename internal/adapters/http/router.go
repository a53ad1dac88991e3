package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/confcast/internal/adapters/signal"
	"github.com/dkeye/confcast/internal/app"
	"github.com/dkeye/confcast/internal/app/compositor"
	"github.com/dkeye/confcast/internal/config"
	"github.com/dkeye/confcast/internal/domain"
)

const (
	sessionName = "ConfcastSessions"
	// admissionPoll bounds a long-polling admission status request.
	admissionPoll = 25 * time.Second
)

// ProfileStore is the user-record collaborator behind /api/session.
type ProfileStore interface {
	Profile(ctx context.Context, id domain.ParticipantID) (domain.Profile, error)
	SaveProfile(ctx context.Context, p domain.Profile) error
}

// Streams resolves the compositor pipeline of a live room.
type Streams interface {
	Get(id domain.RoomID) (*compositor.Pipeline, bool)
}

type Deps struct {
	Users     ProfileStore
	Directory *app.RoomDirectory
	Signal    *signal.SignalWSController
	// Streams is nil when the compositor is disabled.
	Streams  Streams
	Gatherer prometheus.Gatherer
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true, SameSite: http.SameSiteLaxMode})
	r.Use(sessions.Sessions(sessionName, store))
	r.Use(IdentityMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	h := &handlers{ctx: ctx, cfg: cfg, deps: deps}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")
	api.POST("/session", h.createSession)
	api.GET("/session", RequireIdentity(), h.getSession)

	rooms := api.Group("/rooms")
	rooms.GET("", h.listRooms)
	rooms.POST("", RequireIdentity(), h.createRoom)
	rooms.GET("/:room", h.describeRoom)
	rooms.PATCH("/:room", RequireIdentity(), h.updateRoom)
	rooms.POST("/:room/admission", RequireIdentity(), h.requestAdmission)
	rooms.GET("/:room/admission", RequireIdentity(), h.admissionStatus)
	rooms.GET("/:room/waiters", RequireIdentity(), h.waiters)
	rooms.POST("/:room/admit", RequireIdentity(), h.decide(true))
	rooms.POST("/:room/reject", RequireIdentity(), h.decide(false))
	rooms.GET("/:room/signal", RequireIdentity(), h.signal)
	rooms.GET("/:room/stream/"+compositor.PlaylistName, h.playlist)
	rooms.GET("/:room/stream/:segment", h.segment)

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")
	return r
}

type handlers struct {
	ctx  context.Context
	cfg  *config.Config
	deps Deps
}

func abortWithError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch domain.Classify(err) {
	case domain.ClassValidation:
		status = http.StatusBadRequest
	case domain.ClassNotFound:
		status = http.StatusNotFound
	case domain.ClassUnauthorized:
		status = http.StatusForbidden
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

type sessionRequest struct {
	Name string `json:"name" binding:"required"`
}

func (h *handlers) createSession(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := domain.ValidateName(req.Name); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, ok := IdentityFrom(c)
	if !ok {
		id.ID = domain.ParticipantID(domain.NewID())
	}
	id.Name = req.Name
	profile := domain.Profile{ID: id.ID, Name: id.Name}
	if err := h.deps.Users.SaveProfile(c.Request.Context(), profile); err != nil {
		abortWithError(c, err)
		return
	}
	if err := saveIdentity(c, id); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.withAvatar(c.Request.Context(), id))
}

func (h *handlers) getSession(c *gin.Context) {
	id, _ := IdentityFrom(c)
	c.JSON(http.StatusOK, h.withAvatar(c.Request.Context(), id))
}

// withAvatar falls back to the default avatar when the store has none or fails.
func (h *handlers) withAvatar(ctx context.Context, id domain.Identity) domain.Identity {
	id.Avatar = domain.DefaultAvatar
	profile, err := h.deps.Users.Profile(ctx, id.ID)
	if err == nil && profile.Avatar != nil && *profile.Avatar != "" {
		id.Avatar = *profile.Avatar
	}
	return id
}

type createRoomRequest struct {
	InviteOnly bool `json:"inviteOnly"`
}

func (h *handlers) createRoom(c *gin.Context) {
	var req createRoomRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	id, _ := IdentityFrom(c)
	rec, err := h.deps.Directory.Create(c.Request.Context(), id.ID, req.InviteOnly)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *handlers) listRooms(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Directory.Live())
}

func (h *handlers) describeRoom(c *gin.Context) {
	view, err := h.deps.Directory.Describe(c.Request.Context(), domain.RoomID(c.Param("room")))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type updateRoomRequest struct {
	InviteOnly *bool `json:"inviteOnly" binding:"required"`
}

func (h *handlers) updateRoom(c *gin.Context) {
	var req updateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, _ := IdentityFrom(c)
	rec, err := h.deps.Directory.Update(c.Request.Context(), domain.RoomID(c.Param("room")), id.ID, *req.InviteOnly)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *handlers) requestAdmission(c *gin.Context) {
	id, _ := IdentityFrom(c)
	id = h.withAvatar(c.Request.Context(), id)
	req, err := h.deps.Directory.RequestAdmission(c.Request.Context(), domain.RoomID(c.Param("room")), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

// admissionStatus long-polls for a decision when called with ?wait=true.
func (h *handlers) admissionStatus(c *gin.Context) {
	id, _ := IdentityFrom(c)
	ctx, cancel := context.WithTimeout(c.Request.Context(), admissionPoll)
	defer cancel()
	status, err := h.deps.Directory.AdmissionStatus(ctx, domain.RoomID(c.Param("room")), id.ID, c.Query("wait") == "true")
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

func (h *handlers) waiters(c *gin.Context) {
	id, _ := IdentityFrom(c)
	room := domain.RoomID(c.Param("room"))
	list, err := h.deps.Directory.Waiters(c.Request.Context(), room, id.ID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"roomId": room, "waitingList": list})
}

type decisionRequest struct {
	UserID domain.ParticipantID `json:"userId" binding:"required"`
}

func (h *handlers) decide(admit bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req decisionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id, _ := IdentityFrom(c)
		res, err := h.deps.Directory.Decide(c.Request.Context(), domain.RoomID(c.Param("room")), id.ID, req.UserID, admit)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func (h *handlers) signal(c *gin.Context) {
	room := domain.RoomID(c.Param("room"))
	id, _ := IdentityFrom(c)
	if err := h.deps.Directory.CanJoin(c.Request.Context(), room, id.ID); err != nil {
		abortWithError(c, err)
		return
	}
	id = h.withAvatar(c.Request.Context(), id)
	log.Info().Str("module", "adapters.http").Str("room", string(room)).Str("participant", string(id.ID)).Msg("ws signal endpoint hit")
	h.deps.Signal.HandleSignal(h.ctx, c, room, id)
}

func (h *handlers) pipeline(c *gin.Context) (*compositor.Pipeline, bool) {
	if h.deps.Streams == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": compositor.ErrNoStream.Error()})
		return nil, false
	}
	p, ok := h.deps.Streams.Get(domain.RoomID(c.Param("room")))
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": compositor.ErrNoStream.Error()})
		return nil, false
	}
	return p, true
}

func (h *handlers) playlist(c *gin.Context) {
	p, ok := h.pipeline(c)
	if !ok {
		return
	}
	base := h.cfg.PublicURL + "/api/rooms/" + c.Param("room") + "/stream"
	manifest, err := p.Manifest(base)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "application/vnd.apple.mpegurl", manifest)
}

func (h *handlers) segment(c *gin.Context) {
	name := c.Param("segment")
	if !compositor.ValidSegmentName(name) {
		abortWithError(c, compositor.ErrInvalidSegment)
		return
	}
	p, ok := h.pipeline(c)
	if !ok {
		return
	}
	path, err := p.SegmentPath(name)
	if err != nil {
		if errors.Is(err, compositor.ErrInvalidSegment) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		abortWithError(c, err)
		return
	}
	c.Header("Content-Type", "video/mp2t")
	c.File(path)
}
