package comfy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// Transport owns one streaming connection to the server. A reader
// goroutine moves inbound frames into a buffered queue; callbacks only
// fire from DispatchMessageQueue, so the caller observes a single
// logical thread. Set the handler fields before Open.
type Transport struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	settings *ClientSettings

	OnOpened  func()
	OnMessage func(message []byte)
	OnError   func(err error)
	OnClosed  func(err error)

	mutex   sync.Mutex
	ws      *websocket.Conn
	events  chan *transportEvent
	readEnd chan struct{}
	dead    bool
}

type transportEvent struct {
	message []byte
	err     error
	closed  bool
}

func NewTransport(ctx context.Context, url string, settings *ClientSettings) *Transport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Transport{
		ctx:      cancelCtx,
		cancel:   cancel,
		url:      url,
		settings: settings,
	}
}

// Open establishes the streaming connection. It is a no-op when the
// connection is already open; a stale connection whose reader has
// exited is closed and replaced.
func (self *Transport) Open() error {
	self.mutex.Lock()

	if self.ws != nil {
		select {
		case <-self.readEnd:
			// stale, replace it
			self.ws.Close()
			self.ws = nil
		default:
			self.mutex.Unlock()
			return nil
		}
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
	if err != nil {
		self.mutex.Unlock()
		return err
	}

	events := make(chan *transportEvent, self.settings.ReceiveBufferSize)
	readEnd := make(chan struct{})
	self.ws = ws
	self.events = events
	self.readEnd = readEnd
	self.dead = false
	self.mutex.Unlock()

	go self.read(ws, events, readEnd)

	if self.OnOpened != nil {
		self.OnOpened()
	}
	return nil
}

func (self *Transport) read(ws *websocket.Conn, events chan *transportEvent, readEnd chan struct{}) {
	defer close(readEnd)

	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-self.ctx.Done():
			case events <- &transportEvent{err: err, closed: true}:
			}
			return
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			select {
			case <-self.ctx.Done():
				return
			case events <- &transportEvent{message: message}:
				glog.V(2).Infof("[ws]<- %d bytes\n", len(message))
			}
		default:
			glog.V(2).Infof("[ws]other=%d<-\n", messageType)
		}
	}
}

// DispatchMessageQueue delivers the currently queued frames to the
// registered handlers without blocking. It returns false once the
// connection can be discarded.
func (self *Transport) DispatchMessageQueue() bool {
	self.mutex.Lock()
	events := self.events
	dead := self.dead || self.ws == nil
	self.mutex.Unlock()

	if dead || events == nil {
		return false
	}

	for {
		select {
		case event := <-events:
			if event.closed {
				glog.V(1).Infof("[ws]closed = %s\n", event.err)
				self.mutex.Lock()
				self.dead = true
				self.mutex.Unlock()
				if self.OnError != nil && event.err != nil {
					self.OnError(event.err)
				}
				if self.OnClosed != nil {
					self.OnClosed(event.err)
				}
				return false
			}
			if self.OnMessage != nil {
				self.OnMessage(event.message)
			}
		default:
			return true
		}
	}
}

func (self *Transport) Send(message []byte) error {
	self.mutex.Lock()
	ws := self.ws
	self.mutex.Unlock()

	if ws == nil {
		return errors.New("transport not open")
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return ws.WriteMessage(websocket.TextMessage, message)
}

// Close is safe to call multiple times and on a never-opened transport.
func (self *Transport) Close() {
	self.cancel()

	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.ws != nil {
		self.ws.Close()
		self.ws = nil
	}
	self.dead = true
}
