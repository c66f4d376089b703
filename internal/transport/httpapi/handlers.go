package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"postpilot/internal/credits"
	"postpilot/internal/domain"
	"postpilot/internal/task/engine"
	logx "postpilot/pkg/logx"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type Posts interface {
	ScheduleBatch(ctx context.Context, userID string, from time.Time) ([]domain.ScheduledPost, error)
	Posts(ctx context.Context, userID string) ([]domain.ScheduledPost, error)
	Get(ctx context.Context, postID string) (domain.ScheduledPost, error)
	Cancel(ctx context.Context, postID string) (bool, error)
	Reschedule(ctx context.Context, postID string, at time.Time) (bool, error)
}

type Credits interface {
	Account(ctx context.Context, userID string) (credits.Account, error)
	History(ctx context.Context, userID string, limit int) ([]domain.CreditTransaction, error)
	Packages() []credits.Package
}

// Dispatcher queues an immediate fulfillment run.
type Dispatcher interface {
	PublishNow(ctx context.Context, userID, postID string) error
}

type Deps struct {
	Posts      Posts
	Credits    Credits
	Dispatcher Dispatcher
	// Health returns the body of /healthz.
	Health func(ctx context.Context) any
	Now    func() time.Time
}

type handlers struct {
	d   Deps
	log logx.Logger
}

func (h *handlers) health(c *gin.Context) {
	body := any(gin.H{"status": "ok"})
	if h.d.Health != nil {
		body = h.d.Health(c.Request.Context())
	}
	c.JSON(http.StatusOK, body)
}

func (h *handlers) scheduleBatch(c *gin.Context) {
	created, err := h.d.Posts.ScheduleBatch(c.Request.Context(), currentUser(c), h.d.Now())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"created": len(created), "posts": viewPosts(created)})
}

func (h *handlers) listPosts(c *gin.Context) {
	ps, err := h.d.Posts.Posts(c.Request.Context(), currentUser(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"posts": viewPosts(ps)})
}

func (h *handlers) cancel(c *gin.Context) {
	post, ok := h.ownedPost(c)
	if !ok {
		return
	}
	done, err := h.d.Posts.Cancel(c.Request.Context(), post.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !done {
		c.JSON(http.StatusConflict, gin.H{"error": "post is no longer scheduled"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

type rescheduleBody struct {
	ScheduledAt time.Time `json:"scheduled_at" binding:"required"`
}

func (h *handlers) reschedule(c *gin.Context) {
	var body rescheduleBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "scheduled_at must be an RFC 3339 time"})
		return
	}
	post, ok := h.ownedPost(c)
	if !ok {
		return
	}
	done, err := h.d.Posts.Reschedule(c.Request.Context(), post.ID, body.ScheduledAt)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !done {
		c.JSON(http.StatusConflict, gin.H{"error": "post is no longer scheduled or the slot is taken"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rescheduled": true, "scheduled_at": body.ScheduledAt.UTC()})
}

func (h *handlers) publishNow(c *gin.Context) {
	post, ok := h.ownedPost(c)
	if !ok {
		return
	}
	if post.Status != domain.StatusScheduled {
		c.JSON(http.StatusConflict, gin.H{"error": "post is no longer scheduled"})
		return
	}
	err := h.d.Dispatcher.PublishNow(c.Request.Context(), post.UserID, post.ID)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"queued": true})
	case errors.Is(err, engine.ErrOverlapSkip):
		c.JSON(http.StatusConflict, gin.H{"error": "another post of this account is being published"})
	case errors.Is(err, engine.ErrQueueFull), errors.Is(err, engine.ErrStopping), errors.Is(err, engine.ErrStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "busy, try again later"})
	default:
		h.fail(c, err)
	}
}

func (h *handlers) account(c *gin.Context) {
	acc, err := h.d.Credits.Account(c.Request.Context(), currentUser(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, acc)
}

func (h *handlers) history(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	txs, err := h.d.Credits.History(c.Request.Context(), currentUser(c), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": viewHistory(txs)})
}

func (h *handlers) packages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"packages": h.d.Credits.Packages()})
}

// ownedPost loads :id and writes 404 unless it belongs to the caller.
func (h *handlers) ownedPost(c *gin.Context) (domain.ScheduledPost, bool) {
	post, err := h.d.Posts.Get(c.Request.Context(), c.Param("id"))
	if err == nil && post.UserID != currentUser(c) {
		err = domain.ErrNotFound
	}
	if err != nil {
		h.fail(c, err)
		return domain.ScheduledPost{}, false
	}
	return post, true
}

// fail maps err onto a status. Anything that is not the caller's fault
// gets a generic body; the detail goes to the log.
func (h *handlers) fail(c *gin.Context, err error) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error()})
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		h.log.Error("request failed",
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.String("user", currentUser(c)),
			logx.Err(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
