package toolexecutor

import (
	"context"
	"fmt"
	"time"
)

// RegisterBuiltins adds the in-process tools that ship with sparrow.
func RegisterBuiltins(r *LocalRegistry) error {
	return r.RegisterTool(ToolDefinition{
		Name:        "time_get_current_time",
		Description: "Get the current date and time in RFC 3339 format",
		Parameters: []ToolParameter{{
			Name:        "timezone",
			Type:        "string",
			Description: "IANA time zone name, e.g. Europe/Berlin. Defaults to UTC.",
		}},
		Handler: currentTime(time.Now),
	})
}

func currentTime(now func() time.Time) ToolHandler {
	return func(_ context.Context, params map[string]any) (any, error) {
		loc := time.UTC
		if tz, ok := params["timezone"].(string); ok && tz != "" {
			l, err := time.LoadLocation(tz)
			if err != nil {
				return nil, fmt.Errorf("unknown timezone %q", tz)
			}
			loc = l
		}
		return now().In(loc).Format(time.RFC3339), nil
	}
}
