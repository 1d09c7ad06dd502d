package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/suPer8Hu/supportdesk/internal/ai"
	"github.com/suPer8Hu/supportdesk/internal/apperr"
	"github.com/suPer8Hu/supportdesk/internal/channels"
	"github.com/suPer8Hu/supportdesk/internal/chat"
	"github.com/suPer8Hu/supportdesk/internal/common"
	"github.com/suPer8Hu/supportdesk/internal/config"
	"github.com/suPer8Hu/supportdesk/internal/email"
	"github.com/suPer8Hu/supportdesk/internal/httpapi/middleware"
	"github.com/suPer8Hu/supportdesk/internal/inbox"
	"github.com/suPer8Hu/supportdesk/internal/lifecycle"
	"github.com/suPer8Hu/supportdesk/internal/models"
)

// Rooms keeps live socket rooms in step with membership changes made over REST.
type Rooms interface {
	JoinUser(userID, conversationID uint64)
	LeaveUser(userID, conversationID uint64)
}

type Deps struct {
	Repo      *chat.Repo
	Inbox     *inbox.Service
	Lifecycle *lifecycle.Engine
	Channels  *channels.Registry
	Trigger   *ai.Trigger
	Rooms     Rooms
	Cfg       config.Config
	Log       zerolog.Logger
}

type Handler struct {
	repo        *chat.Repo
	inbox       *inbox.Service
	lifecycle   *lifecycle.Engine
	channels    *channels.Registry
	trigger     *ai.Trigger
	rooms       Rooms
	cfg         config.Config
	smtpSetting email.SMTPConfig
	log         zerolog.Logger
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		repo:      d.Repo,
		inbox:     d.Inbox,
		lifecycle: d.Lifecycle,
		channels:  d.Channels,
		trigger:   d.Trigger,
		rooms:     d.Rooms,
		cfg:       d.Cfg,
		smtpSetting: email.SMTPConfig{
			Host: d.Cfg.SMTPHost,
			Port: d.Cfg.SMTPPort,
			User: d.Cfg.SMTPUser,
			Pass: d.Cfg.SMTPPass,
			From: d.Cfg.SMTPFrom,
		},
		log: d.Log.With().Str("component", "http").Logger(),
	}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

func roleFromContext(c *gin.Context) models.Role {
	v, _ := c.Get(middleware.RoleKey)
	r, _ := v.(models.Role)
	return r
}

func visitorFromContext(c *gin.Context) string {
	return c.GetString(middleware.VisitorIDKey)
}

// errorCodes pairs every error kind with the numeric code clients switch on.
var errorCodes = map[apperr.Kind]int{
	apperr.KindValidation:     10002,
	apperr.KindAuthentication: 40301,
	apperr.KindNotFound:       40401,
	apperr.KindDispatch:       50201,
}

// fail writes err in the standard envelope. Unclassified errors are logged and
// reported without their text.
func (h *Handler) fail(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	code, ok := errorCodes[apperr.KindOf(err)]
	if !ok {
		code = 50001
	}
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("path", c.FullPath()).
			Str("request_id", c.GetString(middleware.RequestIDKey)).
			Msg("request failed")
	}
	common.Fail(c, status, code, apperr.Message(err))
}

func pathID(c *gin.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		common.Fail(c, http.StatusBadRequest, 10004, "invalid "+name)
		return 0, false
	}
	return id, true
}

func queryUint(c *gin.Context, name string) uint64 {
	n, _ := strconv.ParseUint(c.Query(name), 10, 64)
	return n
}

func queryInt(c *gin.Context, name string) int {
	n, _ := strconv.Atoi(c.Query(name))
	return n
}
