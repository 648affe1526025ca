package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"notifbox/internal/notify"
	"notifbox/internal/notify/model"
	logx "notifbox/pkg/logx"
)

type createMessageRequest struct {
	ID        string                    `json:"id"`
	Target    model.TargetRef           `json:"target"`
	Content   model.ContentItem         `json:"content"`
	Explicit  []model.ExplicitRecipient `json:"explicit"`
	Policy    model.SendPolicy          `json:"policy"`
	BoxPolicy model.BoxPolicy           `json:"boxPolicy"`
	SendAfter time.Time                 `json:"sendAfter"`
	SendNow   bool                      `json:"sendNow"`
}

type createMessageResponse struct {
	Message  *model.Notification    `json:"message"`
	Dispatch *notify.DispatchResult `json:"dispatch,omitempty"`
}

func (s *Server) createMessage(c *gin.Context) {
	var req createMessageRequest
	if !bind(c, &req) {
		return
	}
	msg, err := s.engine.CreateMessage(c.Request.Context(), notify.CreateRequest{
		ID:        req.ID,
		Target:    req.Target,
		Content:   req.Content,
		Explicit:  req.Explicit,
		Policy:    req.Policy,
		BoxPolicy: req.BoxPolicy,
		SendAfter: req.SendAfter,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	resp := createMessageResponse{Message: msg}
	if req.SendNow {
		res, err := s.engine.SendNow(c.Request.Context(), msg.ID)
		if err != nil {
			s.fail(c, err)
			return
		}
		resp.Dispatch = &res
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) getMessage(c *gin.Context) {
	msg, err := s.engine.Notification(c.Request.Context(), c.Param("id"))
	s.reply(c, msg, err)
}

func (s *Server) sendMessage(c *gin.Context) {
	res, err := s.engine.SendNow(c.Request.Context(), c.Param("id"))
	s.reply(c, res, err)
}

func (s *Server) ensureBox(c *gin.Context) {
	var target model.TargetRef
	if !bind(c, &target) {
		return
	}
	box, created, err := s.engine.EnsureBox(c.Request.Context(), target)
	if err != nil {
		s.fail(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, box)
}

func (s *Server) getBox(c *gin.Context) {
	box, err := s.engine.Box(c.Request.Context(), c.Param("id"))
	s.reply(c, box, err)
}

func (s *Server) initBox(c *gin.Context) {
	out, err := s.engine.InitializeBox(c.Request.Context(), c.Param("id"), queryBool(c, "force"))
	s.reply(c, gin.H{"id": c.Param("id"), "outcome": out}, err)
}

type recipientRequest struct {
	UserID string `json:"userId"`
	Index  int    `json:"index"`
	model.Contact

	Remove        bool `json:"remove"`
	Insert        bool `json:"insert"`
	ThrowIfExists bool `json:"throwIfExists"`
	Force         bool `json:"force"`

	Config model.TypeConfig `json:"config"`
	OptOut *bool            `json:"optOut"`
	Locked *bool            `json:"locked"`
}

func (s *Server) updateRecipient(c *gin.Context) {
	var req recipientRequest
	if !bind(c, &req) {
		return
	}
	change, err := s.engine.UpdateRecipient(c.Request.Context(), notify.RecipientUpdate{
		BoxID:         c.Param("id"),
		UserID:        req.UserID,
		Index:         req.Index,
		Contact:       req.Contact,
		Remove:        req.Remove,
		Insert:        req.Insert,
		ThrowIfExists: req.ThrowIfExists,
		Force:         req.Force,
		Config:        req.Config,
		OptOut:        req.OptOut,
		Locked:        req.Locked,
	})
	s.reply(c, change, err)
}

func (s *Server) getUser(c *gin.Context) {
	u, err := s.engine.User(c.Request.Context(), c.Param("id"))
	s.reply(c, u, err)
}

func (s *Server) setUserGlobal(c *gin.Context) {
	var cfg model.TypeConfig
	if !bind(c, &cfg) {
		return
	}
	u, err := s.engine.SetUserGlobal(c.Request.Context(), c.Param("id"), cfg)
	s.reply(c, u, err)
}

func (s *Server) setUserDefaults(c *gin.Context) {
	var cfg model.TypeConfig
	if !bind(c, &cfg) {
		return
	}
	u, err := s.engine.SetUserDefaults(c.Request.Context(), c.Param("id"), cfg)
	s.reply(c, u, err)
}

type boxConfigRequest struct {
	Config model.TypeConfig `json:"config"`
	OptOut *bool            `json:"optOut"`
	Locked *bool            `json:"locked"`
}

func (s *Server) setUserBoxConfig(c *gin.Context) {
	var req boxConfigRequest
	if !bind(c, &req) {
		return
	}
	u, err := s.engine.SetUserBoxConfig(c.Request.Context(), c.Param("id"), c.Param("box"), notify.BoxConfigUpdate{
		Config: req.Config,
		OptOut: req.OptOut,
		Locked: req.Locked,
	})
	s.reply(c, u, err)
}

func (s *Server) setUserBlocked(c *gin.Context) {
	var req struct {
		Blocked *bool `json:"blocked"`
	}
	if !bind(c, &req) {
		return
	}
	if req.Blocked == nil {
		abort(c, http.StatusBadRequest, "blocked is required")
		return
	}
	u, err := s.engine.SetUserBlocked(c.Request.Context(), c.Param("id"), *req.Blocked)
	s.reply(c, u, err)
}

func (s *Server) setProfile(c *gin.Context) {
	var contact model.Contact
	if !bind(c, &contact) {
		return
	}
	if err := s.engine.SetProfile(c.Request.Context(), c.Param("id"), contact); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) resyncUser(c *gin.Context) {
	res, err := s.engine.ResyncUser(c.Request.Context(), c.Param("id"))
	s.reply(c, res, err)
}

func (s *Server) getSummary(c *gin.Context) {
	sum, err := s.engine.Summary(c.Request.Context(), c.Param("id"))
	s.reply(c, sum, err)
}

func (s *Server) initSummary(c *gin.Context) {
	out, err := s.engine.InitializeSummary(c.Request.Context(), c.Param("id"), queryBool(c, "force"))
	s.reply(c, gin.H{"id": c.Param("id"), "outcome": out}, err)
}

func (s *Server) getWeek(c *gin.Context) {
	w, err := s.engine.Week(c.Request.Context(), c.Param("id"))
	s.reply(c, w, err)
}

// Sweep names accepted by POST /v1/sweeps/:name.
const (
	SweepDrain   = "drain"
	SweepResync  = "resync"
	SweepInit    = "init"
	SweepArchive = "archive"
)

func (s *Server) runSweep(c *gin.Context) {
	name := c.Param("name")
	ctx := c.Request.Context()
	var run func() (notify.Report, error)
	switch name {
	case SweepDrain:
		run = func() (notify.Report, error) { return s.engine.DrainQueued(ctx) }
	case SweepResync:
		run = func() (notify.Report, error) { return s.engine.ResyncAllFlagged(ctx) }
	case SweepInit:
		run = func() (notify.Report, error) { return s.engine.InitializeAllFlagged(ctx) }
	case SweepArchive:
		run = func() (notify.Report, error) { return s.engine.ArchiveCompleted(ctx) }
	default:
		abort(c, http.StatusNotFound, "unknown sweep "+strconv.Quote(name))
		return
	}

	if queryBool(c, "async") {
		if s.sweeps == nil {
			abort(c, http.StatusServiceUnavailable, "scheduler unavailable")
			return
		}
		if err := s.sweeps.Trigger(name); err != nil {
			s.log.Warn("sweep trigger failed", logx.String("sweep", name), logx.Err(err))
			abort(c, http.StatusServiceUnavailable, err.Error())
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"sweep": name, "queued": true})
		return
	}
	rep, err := run()
	s.reply(c, rep, err)
}

// ---- helpers ----

func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		abort(c, http.StatusBadRequest, "invalid body: "+err.Error())
		return false
	}
	return true
}

func queryBool(c *gin.Context, key string) bool {
	b, _ := strconv.ParseBool(c.Query(key))
	return b
}

func (s *Server) reply(c *gin.Context, v any, err error) {
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusOf(err)
	if status >= 500 {
		s.log.Error("request failed", logx.String("route", c.FullPath()), logx.Err(err))
	}
	abort(c, status, err.Error())
}

func statusOf(err error) int {
	switch {
	case notify.IsPrecondition(err):
		return http.StatusConflict
	case errors.Is(err, notify.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, notify.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
