// Package handlers implements the task, stage, and execution
// state machines that the dispatcher routes messages into. Each exported
// function here is a dispatcher.HandlerFunc, registered once at process
// start by wireHandlerRegistry in internal/app.
package handlers

import (
	"encoding/json"

	"gorm.io/datatypes"
)

// decodeContext turns an opaque JSON blob into a map, treating an empty or
// nil blob as an empty map rather than an error — stages and tasks commonly
// start with no context at all.
func decodeContext(raw datatypes.JSON) map[string]any {
	out := map[string]any{}
	if len(raw) == 0 {
		return out
	}
	_ = json.Unmarshal(raw, &out)
	return out
}

// mergeContext shallow-merges delta over base and re-encodes, the same
// "dynamic context map retained at the boundary" approach the design notes
// call for: specific keys get typed accessors elsewhere, everything else
// round-trips untouched.
func mergeContext(base datatypes.JSON, delta map[string]any) datatypes.JSON {
	if len(delta) == 0 {
		return base
	}
	merged := decodeContext(base)
	for k, v := range delta {
		merged[k] = v
	}
	encoded, err := json.Marshal(merged)
	if err != nil {
		return base
	}
	return datatypes.JSON(encoded)
}
