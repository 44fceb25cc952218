package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/lmsync/internal/model"
)

// parseParams builds call parameters from a JSON object and key=value pairs.
// Pairs override keys of the object. A pair value that is valid JSON is
// decoded (so courseid=2 is a number and ids=[1,2] a list); anything else is
// kept as a string.
func parseParams(object string, pairs []string) (model.Params, error) {
	params := model.Params{}
	if strings.TrimSpace(object) != "" {
		if err := json.Unmarshal([]byte(object), &params); err != nil {
			return nil, fmt.Errorf("invalid --params: %w", err)
		}
		if params == nil {
			params = model.Params{}
		}
	}

	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q: want key=value", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			params[key] = decoded
		} else {
			params[key] = value
		}
	}
	return params, nil
}
