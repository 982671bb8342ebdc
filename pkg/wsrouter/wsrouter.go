// Package wsrouter dispatches websocket text frames by the "type" field of
// their JSON body. Frames are flat objects, so handlers receive the whole
// frame and decode the variant they registered for.
package wsrouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMalformedFrame = errors.New("malformed frame")

type HandlerFunc func(ctx context.Context, frame json.RawMessage) error

type Router struct {
	routes  map[string]HandlerFunc
	unknown HandlerFunc
}

func New() *Router {
	return &Router{routes: make(map[string]HandlerFunc)}
}

func (r *Router) Handle(frameType string, handler HandlerFunc) {
	r.routes[frameType] = handler
}

// HandleUnknown registers the fallback for frame types with no route.
func (r *Router) HandleUnknown(handler HandlerFunc) {
	r.unknown = handler
}

// Dispatch routes one frame to its handler. A frame that is not a JSON
// object with a non-empty "type" string fails with ErrMalformedFrame.
func (r *Router) Dispatch(ctx context.Context, frame []byte) error {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if probe.Type == "" {
		return fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	handler, exists := r.routes[probe.Type]
	if !exists {
		if r.unknown == nil {
			return fmt.Errorf("no handler for frame type %q", probe.Type)
		}
		handler = r.unknown
	}

	return handler(ctx, frame)
}
