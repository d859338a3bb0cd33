package driver

import (
	"fmt"
	"strings"

	"github.com/flowgate/flowgate/engine/core"
	"github.com/flowgate/flowgate/engine/route"
)

// statusMapProperty is the route property holding per-endpoint overrides of
// the built-in status translation table: a mapping from the endpoint's raw
// status token to one of our status tokens.
const statusMapProperty = "status_map"

// builtinStatusMap covers the tokens the known control centers emit. Our own
// tokens always translate to themselves.
var builtinStatusMap = map[string]core.StatusType{
	"PENDING":     core.StatusQueued,
	"SCHEDULED":   core.StatusQueued,
	"ACCEPTED":    core.StatusQueued,
	"IN_PROGRESS": core.StatusRunning,
	"ACTIVE":      core.StatusRunning,
	"SUCCEEDED":   core.StatusCompleted,
	"SUCCESS":     core.StatusCompleted,
	"DONE":        core.StatusCompleted,
	"ERROR":       core.StatusFailed,
	"ABORTED":     core.StatusCancelled,
	"TERMINATED":  core.StatusCancelled,
}

// translateStatus maps an endpoint status token onto the submission status
// enum. Route-level overrides win over the built-in table.
func translateStatus(rt *route.Config, raw string) (core.StatusType, error) {
	token := strings.ToUpper(strings.TrimSpace(raw))
	if token == "" {
		return "", fmt.Errorf("empty remote status token")
	}
	if overrides := rt.MapProperty(statusMapProperty); overrides != nil {
		if v, ok := overrides[token]; ok {
			if s, ok := v.(string); ok {
				mapped, err := core.ParseStatus(strings.ToUpper(s))
				if err != nil {
					return "", fmt.Errorf("route %q maps %q to invalid status: %w", rt.ID, token, err)
				}
				return mapped, nil
			}
		}
	}
	if s := core.StatusType(token); s.IsValid() {
		return s, nil
	}
	if mapped, ok := builtinStatusMap[token]; ok {
		return mapped, nil
	}
	return "", fmt.Errorf("untranslatable remote status token %q", token)
}
