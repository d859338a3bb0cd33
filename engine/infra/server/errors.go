package server

import (
	"errors"
	"net/http"

	"github.com/flowgate/flowgate/engine/driver"
	"github.com/flowgate/flowgate/engine/route"
	"github.com/flowgate/flowgate/engine/router"
	"github.com/flowgate/flowgate/engine/submission"
	"github.com/gin-gonic/gin"
)

// Error tokens on the wire. A response carries at most one.
const (
	codeUnknownRoute      = "UNKNOWN_ROUTE"
	codeNotFound          = "NOT_FOUND"
	codeInvalidParameters = "INVALID_PARAMETERS"
	codeInvalidCallback   = "INVALID_CALLBACK"
	codeSubmitFailed      = "SUBMIT_FAILED"
	codeContended         = "CONTENDED"
	codeInvalidConfig     = "INVALID_CONFIG"
	codeBadRequest        = "BAD_REQUEST"
	codeInternal          = "INTERNAL_ERROR"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// respondError maps domain sentinels onto HTTP statuses and the enumerated
// error tokens. Transient server-side conditions never reach this point;
// the router serves stale data instead.
func respondError(c *gin.Context, err error) {
	status, code := classify(err)
	c.JSON(status, errorBody{Error: code, Message: err.Error()})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, route.ErrNotFound):
		return http.StatusNotFound, codeUnknownRoute
	case errors.Is(err, submission.ErrNotFound):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, router.ErrInvalidParameters):
		return http.StatusBadRequest, codeInvalidParameters
	case errors.Is(err, driver.ErrInvalidCallback):
		return http.StatusBadRequest, codeInvalidCallback
	case errors.Is(err, router.ErrSubmitFailed):
		return http.StatusBadGateway, codeSubmitFailed
	case errors.Is(err, router.ErrContended):
		return http.StatusConflict, codeContended
	case errors.Is(err, route.ErrInvalidConfig):
		return http.StatusConflict, codeInvalidConfig
	default:
		return http.StatusInternalServerError, codeInternal
	}
}
