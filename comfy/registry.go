package comfy

import (
	"sync"

	"golang.org/x/exp/slices"
)

// Registry owns the in-flight requests and drives their pump. The host
// loop calls Tick on its own cadence; the registry owns no timer.
type Registry struct {
	mutex    sync.Mutex
	requests []*PromptRequest
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (self *Registry) Add(request *PromptRequest) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if slices.Contains(self.requests, request) {
		return
	}
	self.requests = append(self.requests, request)
}

// Tick pumps every registered request once and drops the ones that
// report they can be discarded.
func (self *Registry) Tick() {
	self.mutex.Lock()
	requests := slices.Clone(self.requests)
	self.mutex.Unlock()

	removed := []*PromptRequest{}
	for _, request := range requests {
		if !request.DispatchMessageQueue() {
			removed = append(removed, request)
		}
	}
	if len(removed) == 0 {
		return
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.requests = slices.DeleteFunc(self.requests, func(request *PromptRequest) bool {
		return slices.Contains(removed, request)
	})
}

func (self *Registry) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.requests)
}

// CloseAll tears down every in-flight request and empties the
// registry.
func (self *Registry) CloseAll() {
	self.mutex.Lock()
	requests := self.requests
	self.requests = nil
	self.mutex.Unlock()

	for _, request := range requests {
		request.Close()
	}
}
