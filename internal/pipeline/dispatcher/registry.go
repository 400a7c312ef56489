package dispatcher

import (
	"fmt"

	"github.com/forgepipe/enginecore/internal/pipeline/messages"
	"github.com/forgepipe/enginecore/internal/pipeline/runtime"
)

// HandlerFunc advances one message. A nil error acks the delivery; a
// non-nil error nacks it with the dispatcher's backoff policy.
type HandlerFunc func(rc *runtime.Context) error

// Registry is the explicit map<kind, handler> dispatch table built once at
// process start, replacing reflection-based routing.
type Registry struct {
	handlers map[messages.Kind]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[messages.Kind]HandlerFunc)}
}

func (r *Registry) Register(kind messages.Kind, h HandlerFunc) {
	if _, exists := r.handlers[kind]; exists {
		panic(fmt.Sprintf("dispatcher: duplicate handler for %s", kind))
	}
	r.handlers[kind] = h
}

func (r *Registry) Get(kind messages.Kind) (HandlerFunc, bool) {
	h, ok := r.handlers[kind]
	return h, ok
}
