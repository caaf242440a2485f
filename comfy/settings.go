package comfy

import (
	"fmt"
	"net/url"
	"time"
)

const DefaultHost = "127.0.0.1"
const DefaultPort = 8188

const TransportBufferSize = 32

type ClientSettings struct {
	Host string
	Port int
	// caller-supplied client id prefix. May be empty.
	// the full session identifier is "<request id>::<client id>".
	ClientId string

	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	HttpTimeout        time.Duration
	HttpConnectTimeout time.Duration

	ReceiveBufferSize int
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		Host:               DefaultHost,
		Port:               DefaultPort,
		WsHandshakeTimeout: 2 * time.Second,
		WriteTimeout:       5 * time.Second,
		HttpTimeout:        60 * time.Second,
		HttpConnectTimeout: 5 * time.Second,
		ReceiveBufferSize:  TransportBufferSize,
	}
}

func (self *ClientSettings) HttpUrl() string {
	return fmt.Sprintf("http://%s:%d", self.Host, self.Port)
}

func (self *ClientSettings) WebsocketUrl(sessionId string) string {
	return fmt.Sprintf(
		"ws://%s:%d/ws?clientId=%s",
		self.Host,
		self.Port,
		url.QueryEscape(sessionId),
	)
}
