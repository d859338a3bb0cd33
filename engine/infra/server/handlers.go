package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/flowgate/flowgate/engine/callback"
	"github.com/flowgate/flowgate/engine/core"
	"github.com/flowgate/flowgate/engine/route"
	"github.com/flowgate/flowgate/engine/router"
	"github.com/flowgate/flowgate/engine/submission"
	"github.com/flowgate/flowgate/pkg/logger"
	"github.com/gin-gonic/gin"
)

const maxSubmissionIDLen = 64

// Handlers is the thin HTTP surface over the router core and callback sink.
type Handlers struct {
	router   *router.Service
	sink     *callback.Sink
	registry *route.Registry
}

func NewHandlers(routerService *router.Service, sink *callback.Sink, registry *route.Registry) *Handlers {
	return &Handlers{router: routerService, sink: sink, registry: registry}
}

// Register wires the workflow routes onto the engine.
func (h *Handlers) Register(r gin.IRouter) {
	workflows := r.Group("/workflows")
	workflows.POST("/submit", h.submit)
	workflows.GET("/status", h.listByPeriod)
	workflows.GET("/status/:submissionId", h.getStatus)
	workflows.POST("/callback", h.handleCallback)
	r.POST("/admin/routes/reload", h.reloadRoutes)
}

type submitResponse struct {
	SubmissionID string `json:"submissionId"`
}

func (h *Handlers) submit(c *gin.Context) {
	routeID := c.Query("routeId")
	workflowID := c.Query("workflowId")
	if routeID == "" || workflowID == "" {
		c.JSON(http.StatusBadRequest, errorBody{
			Error:   codeBadRequest,
			Message: "routeId and workflowId query parameters are required",
		})
		return
	}
	params := core.Params{}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&params); err != nil {
			c.JSON(http.StatusBadRequest, errorBody{
				Error:   codeBadRequest,
				Message: fmt.Sprintf("undecodable parameter mapping: %s", err),
			})
			return
		}
	}
	id, err := h.router.Submit(c.Request.Context(), routeID, workflowID, params)
	if err != nil {
		if id != "" {
			// Dispatch failed after the submission was persisted; return the
			// id alongside the error so the FAILED record can be tracked.
			status, code := classify(err)
			c.JSON(status, gin.H{
				"error":        code,
				"message":      err.Error(),
				"submissionId": id.String(),
			})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, submitResponse{SubmissionID: id.String()})
}

func (h *Handlers) getStatus(c *gin.Context) {
	raw := c.Param("submissionId")
	if !validSubmissionID(raw) {
		c.JSON(http.StatusBadRequest, errorBody{
			Error:   codeBadRequest,
			Message: "submissionId must be at most 64 printable ASCII characters",
		})
		return
	}
	sub, err := h.router.GetStatus(c.Request.Context(), core.ID(raw))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (h *Handlers) listByPeriod(c *gin.Context) {
	from, err := time.Parse(time.RFC3339, c.Query("from"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{
			Error:   codeBadRequest,
			Message: "from must be an ISO-8601 UTC timestamp",
		})
		return
	}
	to, err := time.Parse(time.RFC3339, c.Query("to"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{
			Error:   codeBadRequest,
			Message: "to must be an ISO-8601 UTC timestamp",
		})
		return
	}
	filter, err := buildFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: codeBadRequest, Message: err.Error()})
		return
	}
	subs, err := h.router.GetByPeriod(c.Request.Context(), from, to, filter)
	if err != nil {
		respondError(c, err)
		return
	}
	if subs == nil {
		subs = []*submission.Submission{}
	}
	c.JSON(http.StatusOK, subs)
}

func (h *Handlers) handleCallback(c *gin.Context) {
	routeID := c.Query("routeId")
	if routeID == "" {
		c.JSON(http.StatusBadRequest, errorBody{
			Error:   codeBadRequest,
			Message: "routeId query parameter is required",
		})
		return
	}
	payload, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{
			Error:   codeBadRequest,
			Message: "failed to read callback payload",
		})
		return
	}
	if err := h.sink.Handle(c.Request.Context(), routeID, payload, c.Request.Header); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) reloadRoutes(c *gin.Context) {
	if err := h.registry.Reload(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	logger.FromContext(c.Request.Context()).Info("route set reloaded via admin endpoint")
	c.Status(http.StatusNoContent)
}

// buildFilter reads the recognised filter keys; "param.<key>=<value>" pairs
// become containment predicates over the parameter mapping.
func buildFilter(c *gin.Context) (submission.Filter, error) {
	var filter submission.Filter
	if v := c.Query("routeId"); v != "" {
		filter.RouteID = &v
	}
	if v := c.Query("workflowId"); v != "" {
		filter.WorkflowID = &v
	}
	if v := c.Query("status"); v != "" {
		status, err := core.ParseStatus(v)
		if err != nil {
			return filter, fmt.Errorf("unknown status filter %q", v)
		}
		filter.Status = &status
	}
	for key, values := range c.Request.URL.Query() {
		if len(key) > 6 && key[:6] == "param." && len(values) > 0 {
			if filter.Params == nil {
				filter.Params = make(map[string]string)
			}
			filter.Params[key[6:]] = values[0]
		}
	}
	return filter, nil
}

// validSubmissionID accepts printable ASCII (0x20 to 0x7e) up to the length cap.
func validSubmissionID(raw string) bool {
	if raw == "" || len(raw) > maxSubmissionIDLen {
		return false
	}
	for _, r := range raw {
		if r < 0x20 || r > 0x7e {
			return false
		}
	}
	return true
}
