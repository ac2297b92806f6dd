// Package http exposes the engine over a REST surface for the extension
// popup and local tooling.
package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arbortabs/arbor/internal/domain/restructure"
	"github.com/arbortabs/arbor/internal/domain/selection"
	"github.com/arbortabs/arbor/internal/domain/tree"
	"github.com/arbortabs/arbor/internal/engine"
	"github.com/arbortabs/arbor/internal/infrastructure/logging"
	"github.com/arbortabs/arbor/internal/shared/id"
)

// Handlers carries the engine into gin handler methods.
type Handlers struct {
	engine  *engine.Engine
	log     *logging.Logger
	started time.Time
}

// NewHandlers creates the handler set.
func NewHandlers(eng *engine.Engine, log *logging.Logger) *Handlers {
	if log == nil {
		log = logging.NewNop()
	}
	return &Handlers{engine: eng, log: log, started: time.Now()}
}

// Root describes the service.
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "arbor",
		"status":  "running",
	})
}

// Health reports liveness and persistence state.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"uptime_seconds": int(time.Since(h.started).Seconds()),
		"degraded":       h.engine.Degraded(),
		"windows":        len(h.engine.WindowIDs()),
	})
}

// ListWindows enumerates tracked windows.
func (h *Handlers) ListWindows(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"windows": h.engine.WindowIDs()})
}

// GetTree returns one window's full tree state.
func (h *Handlers) GetTree(c *gin.Context) {
	windowID, ok := h.windowParam(c)
	if !ok {
		return
	}
	snap, err := h.engine.Snapshot(windowID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// dropRequest is one drag gesture from the rendered tree.
type dropRequest struct {
	WindowID int                    `json:"windowId" binding:"required"`
	Intent   restructure.DropIntent `json:"intent"`
}

// Drop applies a drag-and-drop gesture.
func (h *Handlers) Drop(c *gin.Context) {
	var req dropRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid drop request"})
		return
	}
	if err := h.engine.HandleDrop(c.Request.Context(), req.WindowID, req.Intent); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// selectRequest is one click on a rendered row.
type selectRequest struct {
	WindowID int       `json:"windowId" binding:"required"`
	NodeID   id.NodeID `json:"nodeId" binding:"required"`
	Ctrl     bool      `json:"ctrl"`
	Shift    bool      `json:"shift"`
}

// Select applies a selection click and returns the resulting selection.
func (h *Handlers) Select(c *gin.Context) {
	var req selectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid select request"})
		return
	}
	selected, err := h.engine.HandleSelect(req.WindowID, req.NodeID, selection.Modifiers{
		Ctrl:  req.Ctrl,
		Shift: req.Shift,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"selected": selected})
}

// duplicateRequest names the tab node to clone.
type duplicateRequest struct {
	WindowID int       `json:"windowId" binding:"required"`
	NodeID   id.NodeID `json:"nodeId" binding:"required"`
}

// Duplicate clones a tab node.
func (h *Handlers) Duplicate(c *gin.Context) {
	var req duplicateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid duplicate request"})
		return
	}
	dup, err := h.engine.Duplicate(c.Request.Context(), req.WindowID, req.NodeID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"node": dup})
}

// viewRequest creates a view.
type viewRequest struct {
	WindowID int    `json:"windowId" binding:"required"`
	Name     string `json:"name" binding:"required"`
	Color    string `json:"color"`
}

// CreateView adds a view.
func (h *Handlers) CreateView(c *gin.Context) {
	var req viewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid view request"})
		return
	}
	v, err := h.engine.CreateView(req.WindowID, req.Name, req.Color)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"view": v})
}

// DeleteView removes a view, migrating its contents to the default view.
func (h *Handlers) DeleteView(c *gin.Context) {
	windowID, ok := h.windowParam(c)
	if !ok {
		return
	}
	if err := h.engine.DeleteView(windowID, id.ViewID(c.Param("viewId"))); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// SwitchView changes the active view.
func (h *Handlers) SwitchView(c *gin.Context) {
	windowID, ok := h.windowParam(c)
	if !ok {
		return
	}
	if err := h.engine.SwitchView(windowID, id.ViewID(c.Param("viewId"))); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// moveToViewRequest moves a subtree into another view.
type moveToViewRequest struct {
	WindowID int       `json:"windowId" binding:"required"`
	NodeID   id.NodeID `json:"nodeId" binding:"required"`
	ViewID   id.ViewID `json:"viewId" binding:"required"`
}

// MoveToView moves a node and its subtree into another view.
func (h *Handlers) MoveToView(c *gin.Context) {
	var req moveToViewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid move request"})
		return
	}
	if err := h.engine.MoveToView(req.WindowID, req.NodeID, req.ViewID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// groupRequest creates a group from selected nodes.
type groupRequest struct {
	WindowID int         `json:"windowId" binding:"required"`
	NodeIDs  []id.NodeID `json:"nodeIds" binding:"required"`
	Name     string      `json:"name"`
	Color    string      `json:"color"`
}

// CreateGroup groups nodes under a new placeholder.
func (h *Handlers) CreateGroup(c *gin.Context) {
	var req groupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid group request"})
		return
	}
	g, err := h.engine.CreateGroup(c.Request.Context(), req.WindowID, req.NodeIDs, req.Name, req.Color)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"group": g})
}

// DissolveGroup removes a group, promoting its children in place.
func (h *Handlers) DissolveGroup(c *gin.Context) {
	windowID, ok := h.windowParam(c)
	if !ok {
		return
	}
	if err := h.engine.DissolveGroup(windowID, id.GroupID(c.Param("groupId"))); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ToggleGroup flips a group's collapsed state.
func (h *Handlers) ToggleGroup(c *gin.Context) {
	windowID, ok := h.windowParam(c)
	if !ok {
		return
	}
	if err := h.engine.ToggleGroupExpand(windowID, id.GroupID(c.Param("groupId"))); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// GetTabInfo returns the cached attributes of one tab.
func (h *Handlers) GetTabInfo(c *gin.Context) {
	tabID, err := strconv.Atoi(c.Param("tabId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tab id"})
		return
	}
	info, ok := h.engine.GetTabInfo(tabID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "tab not tracked"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tab": info})
}

func (h *Handlers) windowParam(c *gin.Context) (int, bool) {
	windowID, err := strconv.Atoi(c.Param("windowId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid window id"})
		return 0, false
	}
	return windowID, true
}

// fail maps domain errors to HTTP statuses.
func (h *Handlers) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrWindowUnknown),
		errors.Is(err, tree.ErrNodeNotFound),
		errors.Is(err, tree.ErrViewNotFound),
		errors.Is(err, tree.ErrGroupNotFound):
		status = http.StatusNotFound
	case errors.Is(err, tree.ErrCycle),
		errors.Is(err, tree.ErrCrossView),
		errors.Is(err, tree.ErrBadIndex),
		errors.Is(err, tree.ErrDefaultViewDelete),
		errors.Is(err, restructure.ErrEmptyDrop):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrStopped):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
