package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"net/http"
	"net/url"
	"sync"

	"github.com/golang/glog"
)

// RequestFuture resolves exactly once with the outcome of one
// submission. All waiters observe the same result.
type RequestFuture struct {
	once sync.Once
	done chan struct{}
	ok   bool
	err  error
}

func newRequestFuture() *RequestFuture {
	return &RequestFuture{
		done: make(chan struct{}),
	}
}

// resolve reports whether this call was the resolving one.
func (self *RequestFuture) resolve(ok bool, err error) bool {
	resolved := false
	self.once.Do(func() {
		self.ok = ok
		self.err = err
		resolved = true
		close(self.done)
	})
	return resolved
}

func (self *RequestFuture) Done() <-chan struct{} {
	return self.done
}

// Result blocks until the future resolves.
func (self *RequestFuture) Result() (bool, error) {
	<-self.done
	return self.ok, self.err
}

// PromptRequest binds one rendered job graph to one streaming
// connection. Events for this run are correlated by the session id
// embedded in the submission payload and the connection query string.
// Set the handler fields before Submit.
type PromptRequest struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings   *ClientSettings
	requestId  Id
	promptText string
	graph      PromptGraph

	transport  *Transport
	httpClient *http.Client

	OnProgress         func(nodeName string, fraction float32)
	OnImageReceived    func(img image.Image)
	OnExecuted         func(data *ExecutionData)
	OnStatus           func(status *StatusData)
	OnExecutionSuccess func(data *ExecutionSuccessData)
	OnError            func(message string)
	// optional reusable decode target for raw binary frames
	GetTargetImage func() *image.RGBA

	mutex    sync.Mutex
	future   *RequestFuture
	promptId string
	// callbacks raised off the pump wait here for the next dispatch
	pending        []func()
	pendingFetches int
}

func NewPromptRequest(ctx context.Context, settings *ClientSettings, promptText string) *PromptRequest {
	cancelCtx, cancel := context.WithCancel(ctx)

	self := &PromptRequest{
		ctx:        cancelCtx,
		cancel:     cancel,
		settings:   settings,
		requestId:  NewId(),
		promptText: promptText,
		graph:      PromptGraph{},
		httpClient: newHttpClient(settings),
	}

	if promptText != "" {
		graph, err := ParsePromptGraph(promptText)
		if err != nil {
			glog.Infof("[req]failed to parse prompt = %s\n", err)
		} else {
			self.graph = graph
		}
	}

	self.transport = NewTransport(cancelCtx, settings.WebsocketUrl(self.SessionId()), settings)
	self.transport.OnOpened = func() {
		glog.V(1).Infof("[req]%s opened\n", self.requestId)
	}
	self.transport.OnMessage = self.handleMessage
	self.transport.OnError = func(err error) {
		glog.Infof("[req]%s stream error = %s\n", self.requestId, err)
	}
	self.transport.OnClosed = func(err error) {
		glog.V(1).Infof("[req]%s closed\n", self.requestId)
		self.mutex.Lock()
		future := self.future
		self.mutex.Unlock()
		if future == nil {
			return
		}
		select {
		case <-future.done:
		default:
			// mid-stream close with the submission still pending
			if err == nil {
				err = errors.New("connection closed")
			}
			self.fail(future, err)
		}
	}

	return self
}

// SessionId is the correlation key for this run:
// "<request id>::<caller-supplied client id>".
func (self *PromptRequest) SessionId() string {
	return fmt.Sprintf("%s::%s", self.requestId, self.settings.ClientId)
}

func (self *PromptRequest) Graph() PromptGraph {
	return self.graph
}

// Submit opens the streaming connection and posts the job. While a
// prior submission on this request is still outstanding, the same
// in-flight future is returned and no second post is issued.
func (self *PromptRequest) Submit() *RequestFuture {
	self.mutex.Lock()
	if self.future != nil {
		select {
		case <-self.future.done:
			// completed, a new submission may start
		default:
			future := self.future
			self.mutex.Unlock()
			return future
		}
	}
	future := newRequestFuture()
	self.future = future
	self.mutex.Unlock()

	go self.run(future)
	return future
}

func (self *PromptRequest) run(future *RequestFuture) {
	if err := self.transport.Open(); err != nil {
		self.fail(future, fmt.Errorf("connect: %w", err))
		return
	}

	// the post and the stream are independent; events may arrive
	// before the post response returns
	args := &SubmitArgs{
		Prompt:   json.RawMessage(self.promptText),
		ClientId: self.SessionId(),
	}
	responseBody, err := postJson(self.ctx, self.httpClient, self.settings.HttpUrl()+"/prompt", args)
	if err != nil {
		self.transport.Close()
		self.fail(future, fmt.Errorf("submit prompt: %w", err))
		return
	}
	glog.V(1).Infof("[req]%s prompt response %s\n", self.requestId, responseBody)

	// the prompt id is observed for history lookups. Correlation runs
	// on the session id alone.
	var result SubmitResult
	if err := json.Unmarshal([]byte(responseBody), &result); err == nil && result.PromptId != "" {
		self.mutex.Lock()
		self.promptId = result.PromptId
		self.mutex.Unlock()
	}
}

// PromptId returns the server-assigned prompt id, or "" before the
// submission response arrives.
func (self *PromptRequest) PromptId() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.promptId
}

// fail resolves the future and queues one error notification. Losing
// the resolve race means another path already notified, so a terminal
// failure surfaces exactly once no matter how many paths report it.
func (self *PromptRequest) fail(future *RequestFuture, err error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if !future.resolve(false, err) {
		return
	}
	glog.Infof("[req]%s failed = %s\n", self.requestId, err)
	if self.OnError != nil {
		message := err.Error()
		self.pending = append(self.pending, func() {
			self.OnError(message)
		})
	}
}

// enqueue defers a callback to the next DispatchMessageQueue so caller
// code only ever observes callbacks on the pump.
func (self *PromptRequest) enqueue(callback func()) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.pending = append(self.pending, callback)
}

// DispatchMessageQueue pumps queued stream frames through the
// classifier and fires any callbacks deferred from background work.
// It returns false once this request can be discarded.
func (self *PromptRequest) DispatchMessageQueue() bool {
	alive := self.transport.DispatchMessageQueue()

	self.mutex.Lock()
	callbacks := self.pending
	self.pending = nil
	self.mutex.Unlock()
	for _, callback := range callbacks {
		callback()
	}

	if alive {
		return true
	}

	// the stream is down. Keep the request while a submission is still
	// connecting, artifact downloads are outstanding, or deferred
	// callbacks have not fired, so the registry does not reap it early.
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if 0 < len(self.pending) || 0 < self.pendingFetches {
		return true
	}
	if self.future == nil {
		return false
	}
	select {
	case <-self.future.done:
		return false
	default:
		return true
	}
}

func (self *PromptRequest) handleMessage(message []byte) {
	trimmed := bytes.TrimSpace(message)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		self.handleRawFrame(message)
		return
	}

	var base MessageBase
	if err := json.Unmarshal(trimmed, &base); err != nil {
		glog.V(1).Infof("[req]%s drop malformed frame = %s\n", self.requestId, err)
		return
	}

	switch base.Type {
	case MessageTypeProgress:
		var data ProgressData
		if err := json.Unmarshal(base.Data, &data); err != nil {
			glog.V(1).Infof("[req]%s drop progress = %s\n", self.requestId, err)
			return
		}
		self.handleProgress(&data)
	case MessageTypeExecuted:
		var data ExecutionData
		if err := json.Unmarshal(base.Data, &data); err != nil {
			glog.V(1).Infof("[req]%s drop executed = %s\n", self.requestId, err)
			return
		}
		self.handleExecuted(&data)
	case MessageTypeStatus:
		var data StatusData
		if err := json.Unmarshal(base.Data, &data); err != nil {
			glog.V(1).Infof("[req]%s drop status = %s\n", self.requestId, err)
			return
		}
		if self.OnStatus != nil {
			self.OnStatus(&data)
		}
	case MessageTypeExecutionSuccess:
		var data ExecutionSuccessData
		if err := json.Unmarshal(base.Data, &data); err != nil {
			glog.V(1).Infof("[req]%s drop execution_success = %s\n", self.requestId, err)
			return
		}
		self.handleExecutionSuccess(&data)
	default:
		glog.V(2).Infof("[req]%s ignore type=%s\n", self.requestId, base.Type)
	}
}

// raw binary frames are preview image data
func (self *PromptRequest) handleRawFrame(message []byte) {
	img, err := decodeImage(message)
	if err != nil {
		target := self.targetImage()
		fillBlack(target)
		glog.V(1).Infof("[req]%s raw frame decode = %s\n", self.requestId, err)
		return
	}
	if self.OnImageReceived != nil {
		self.OnImageReceived(img)
	}
}

func (self *PromptRequest) targetImage() *image.RGBA {
	if self.GetTargetImage != nil {
		if target := self.GetTargetImage(); target != nil {
			return target
		}
	}
	return newPlaceholderImage()
}

func (self *PromptRequest) handleProgress(data *ProgressData) {
	if self.OnProgress == nil {
		return
	}
	fraction := float32(0)
	if 0 < data.Max {
		fraction = float32(data.Value) / float32(data.Max)
	}
	self.OnProgress(self.graph.NodeTitle(data.Node), fraction)
}

func (self *PromptRequest) handleExecuted(data *ExecutionData) {
	if self.OnExecuted != nil {
		self.OnExecuted(data)
	}
	if data.Output == nil || len(data.Output.Images) == 0 {
		return
	}

	// the target hook runs here, on the pump, one target per artifact
	images := data.Output.Images
	targets := make([]*image.RGBA, len(images))
	if self.GetTargetImage != nil {
		for i := range targets {
			targets[i] = self.GetTargetImage()
		}
	}

	self.mutex.Lock()
	self.pendingFetches += 1
	self.mutex.Unlock()

	// fetches suspend off the pump so other sessions keep draining.
	// Received images come back through the dispatch queue.
	go func() {
		defer func() {
			self.mutex.Lock()
			self.pendingFetches -= 1
			self.mutex.Unlock()
		}()
		for i, executionImage := range images {
			glog.V(1).Infof("[req]%s downloading image %s\n", self.requestId, executionImage.Filename)
			img, err := self.FetchImage(
				executionImage.Filename,
				executionImage.Subfolder,
				executionImage.Type,
				targets[i],
			)
			if err != nil {
				// skip this image, the run continues
				glog.Infof("[req]%s fetch image %s = %s\n", self.requestId, executionImage.Filename, err)
				continue
			}
			if self.OnImageReceived != nil {
				self.enqueue(func() {
					self.OnImageReceived(img)
				})
			}
		}
	}()
}

func (self *PromptRequest) handleExecutionSuccess(data *ExecutionSuccessData) {
	if self.OnExecutionSuccess != nil {
		self.OnExecutionSuccess(data)
	}

	self.mutex.Lock()
	future := self.future
	self.mutex.Unlock()
	if future != nil {
		future.resolve(true, nil)
	}

	self.transport.Close()
}

// FetchImage retrieves one artifact via `/view`. When the bytes are
// not a valid image encoding and a target buffer was supplied, the
// target is black-filled and returned instead of an error.
func (self *PromptRequest) FetchImage(filename string, subfolder string, folderType string, target *image.RGBA) (image.Image, error) {
	query := url.Values{}
	query.Set("filename", filename)
	query.Set("subfolder", subfolder)
	query.Set("type", folderType)
	fetchUrl := fmt.Sprintf("%s/view?%s", self.settings.HttpUrl(), query.Encode())

	data, err := getBytes(self.ctx, self.httpClient, fetchUrl)
	if err != nil {
		return nil, err
	}

	img, err := decodeImage(data)
	if err != nil {
		if target != nil {
			fillBlack(target)
			return target, nil
		}
		return nil, err
	}
	return img, nil
}

type historyEntry struct {
	Outputs map[string]json.RawMessage `json:"outputs"`
}

// FetchHistoryImages retrieves every artifact recorded for a prior
// prompt via `/history/<promptId>`. Nodes with a malformed or absent
// `images` entry yield an empty list, not an error.
func (self *PromptRequest) FetchHistoryImages(promptId string) (map[string][]image.Image, error) {
	historyUrl := fmt.Sprintf("%s/history/%s", self.settings.HttpUrl(), url.PathEscape(promptId))

	history, err := getJson(self.ctx, self.httpClient, historyUrl, map[string]*historyEntry{})
	if err != nil {
		return nil, err
	}

	nodeImages := map[string][]image.Image{}
	entry := history[promptId]
	if entry == nil {
		return nodeImages, nil
	}

	for nodeId, rawOutput := range entry.Outputs {
		images := []image.Image{}
		var output ExecutionOutput
		if err := json.Unmarshal(rawOutput, &output); err != nil {
			glog.V(1).Infof("[req]%s history node %s = %s\n", self.requestId, nodeId, err)
		}
		for _, executionImage := range output.Images {
			img, err := self.FetchImage(
				executionImage.Filename,
				executionImage.Subfolder,
				executionImage.Type,
				nil,
			)
			if err != nil {
				glog.Infof("[req]%s fetch history image %s = %s\n", self.requestId, executionImage.Filename, err)
				continue
			}
			images = append(images, img)
		}
		nodeImages[nodeId] = images
	}
	return nodeImages, nil
}

// Close tears the request down. Any outstanding submission resolves
// as failed.
func (self *PromptRequest) Close() {
	self.cancel()
	self.transport.Close()

	self.mutex.Lock()
	future := self.future
	self.mutex.Unlock()
	if future != nil {
		future.resolve(false, context.Canceled)
	}
}
