package peer

import (
	"log"
	"sync"
)

// Handler processes one inbound envelope.
type Handler func(env *Envelope)

// Router fans inbound envelopes out to the handlers registered for
// their type. Handlers run in registration order; a panicking handler
// is isolated so the rest of the chain still runs.
type Router struct {
	handlersMux sync.RWMutex
	handlers    map[MessageType][]Handler
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{handlers: make(map[MessageType][]Handler)}
}

// Register appends a handler for the given type.
func (r *Router) Register(t MessageType, h Handler) {
	r.handlersMux.Lock()
	defer r.handlersMux.Unlock()
	r.handlers[t] = append(r.handlers[t], h)
}

// Dispatch routes one envelope. Unknown types are dropped.
func (r *Router) Dispatch(env *Envelope) {
	if !env.Type.Known() {
		log.Printf("Dropping message with unknown type %q from %s", env.Type, env.SenderID)
		return
	}

	r.handlersMux.RLock()
	chain := r.handlers[env.Type]
	r.handlersMux.RUnlock()

	for _, h := range chain {
		r.invoke(h, env)
	}
}

func (r *Router) invoke(h Handler, env *Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("Handler for %s panicked: %v", env.Type, rec)
		}
	}()
	h(env)
}
