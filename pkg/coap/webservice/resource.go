package webservice

import (
	"crypto/sha256"
	"sync"

	"github.com/coapcore/coapcore/pkg/coap/message"
)

// Resource is a reference in-memory Service: GET returns the current
// bytes, PUT replaces them, POST appends, DELETE clears (if allowed). It
// exists to exercise Dispatcher end to end and as a template for real
// resources, the way the teacher's packages ship a reference handler
// alongside the interface it implements.
type Resource struct {
	path         string
	maxAge       uint32
	allowDelete  bool

	mu    sync.RWMutex
	value []byte
}

// NewResource builds a Resource at path with the given max-age and
// DELETE policy.
func NewResource(path string, maxAge uint32, allowDelete bool) *Resource {
	return &Resource{path: path, maxAge: maxAge, allowDelete: allowDelete}
}

func (r *Resource) Path() string       { return r.path }
func (r *Resource) MaxAge() uint32     { return r.maxAge }
func (r *Resource) AllowsDelete() bool { return r.allowDelete }

// ETag hashes the current value, matching spec.md §4.F's "computed over
// current resource state, not payload".
func (r *Resource) ETag() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sum := sha256.Sum256(r.value)
	return sum[:8]
}

// Set replaces the resource's value, for tests and bootstrap seeding.
func (r *Resource) Set(value []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.value = append([]byte(nil), value...)
}

func (r *Resource) Handle(req message.Message, peer message.Endpoint, promise *Promise) {
	switch req.Code {
	case message.GET:
		r.mu.RLock()
		value := append([]byte(nil), r.value...)
		r.mu.RUnlock()
		promise.Resolve(message.Message{
			Code:    message.Content,
			Payload: value,
			Options: message.Options{}.AddUint(message.OptionMaxAge, r.maxAge),
		})

	case message.PUT:
		r.mu.Lock()
		r.value = append([]byte(nil), req.Payload...)
		r.mu.Unlock()
		promise.Resolve(message.Message{Code: message.Changed})

	case message.POST:
		r.mu.Lock()
		r.value = append(r.value, req.Payload...)
		r.mu.Unlock()
		promise.Resolve(message.Message{Code: message.Changed})

	case message.DELETE:
		r.mu.Lock()
		r.value = nil
		r.mu.Unlock()
		promise.Resolve(message.Message{Code: message.Changed})

	default:
		promise.Reject(message.Message{Code: message.MethodNotAllowed})
	}
}

func (r *Resource) Shutdown() {}
