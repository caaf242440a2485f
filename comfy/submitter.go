package comfy

import (
	"context"
	"fmt"
	"image"
)

// Submitter is the collaborator-facing front: it creates one
// PromptRequest per submission, registers it with the shared registry,
// and fans the request callbacks out to a single set of observation
// hooks. Set the hooks before submitting.
type Submitter struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *ClientSettings
	registry *Registry

	// human-readable one-liners: "Processing prompt...", errors, ""
	OnNotification  func(message string)
	OnProgress      func(label string, fraction float32)
	OnImageReceived func(img image.Image)
	OnStatus        func(status *StatusData)
	GetTargetImage  func() *image.RGBA
}

func NewSubmitter(ctx context.Context, settings *ClientSettings, registry *Registry) *Submitter {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Submitter{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		registry: registry,
	}
}

func (self *Submitter) notify(message string) {
	if self.OnNotification != nil {
		self.OnNotification(message)
	}
}

// SubmitPrompt submits one rendered job payload and streams its
// progress through the observation hooks until it completes.
func (self *Submitter) SubmitPrompt(promptText string) *RequestFuture {
	self.notify("Processing prompt...")

	request := NewPromptRequest(self.ctx, self.settings, promptText)
	request.OnProgress = func(nodeName string, fraction float32) {
		self.notify(fmt.Sprintf("Processing %s...", nodeName))
		if self.OnProgress != nil {
			self.OnProgress(nodeName, fraction)
		}
	}
	request.OnImageReceived = self.OnImageReceived
	request.OnStatus = self.OnStatus
	// both terminal paths clear the banner from the pump
	request.OnExecutionSuccess = func(data *ExecutionSuccessData) {
		self.notify("")
	}
	request.OnError = func(message string) {
		self.notify(fmt.Sprintf("Error processing prompt: %s", message))
		self.notify("")
	}
	request.GetTargetImage = self.GetTargetImage

	self.registry.Add(request)
	return request.Submit()
}

func (self *Submitter) Host() string {
	return self.settings.Host
}

// SetHost points future submissions at a new host. In-flight requests
// hold connections to the old one, so they are torn down.
func (self *Submitter) SetHost(host string) {
	if self.settings.Host == host {
		return
	}
	self.settings.Host = host
	self.registry.CloseAll()
}

func (self *Submitter) Port() int {
	return self.settings.Port
}

func (self *Submitter) SetPort(port int) {
	if self.settings.Port == port {
		return
	}
	self.settings.Port = port
	self.registry.CloseAll()
}

// Close tears down every in-flight request created by this submitter.
func (self *Submitter) Close() {
	self.cancel()
	self.registry.CloseAll()
}
