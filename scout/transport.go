package scout

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/swiftcloud/scout/protocol"
)

// Endpoint is the scout's view of a surrogate link: synchronous
// request/reply plus the server-initiated notification push channel.
type Endpoint interface {
	Request(ctx context.Context, message any) (any, error)
	Notifications() <-chan *protocol.BatchUpdatesNotification
	Close() error
}

const notificationBufferSize = 32

type TransportSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
	}
}

// WsEndpoint multiplexes scout RPCs and the notification push over a single
// websocket to a surrogate. When the connection drops it reconnects,
// rotating through the configured surrogate urls (failover); requests
// in flight fail and are retried by their callers.
type WsEndpoint struct {
	ctx    context.Context
	cancel context.CancelFunc

	scoutId string
	urls    []string
	auth    *protocol.Auth

	settings *TransportSettings

	notifications chan *protocol.BatchUpdatesNotification

	mutex    sync.Mutex
	conn     *websocket.Conn
	urlIndex int
	pending  map[string]chan *protocol.Frame
	// connected signals waiters when a connection is (re)established
	connected *monitor
}

func NewWsEndpointWithDefaults(ctx context.Context, scoutId string, urls []string, byJwt string) *WsEndpoint {
	return NewWsEndpoint(ctx, scoutId, urls, byJwt, DefaultTransportSettings())
}

func NewWsEndpoint(ctx context.Context, scoutId string, urls []string, byJwt string, settings *TransportSettings) *WsEndpoint {
	cancelCtx, cancel := context.WithCancel(ctx)
	endpoint := &WsEndpoint{
		ctx:     cancelCtx,
		cancel:  cancel,
		scoutId: scoutId,
		urls:    urls,
		auth: &protocol.Auth{
			ScoutId: scoutId,
			ByJwt:   byJwt,
		},
		settings:      settings,
		notifications: make(chan *protocol.BatchUpdatesNotification, notificationBufferSize),
		pending:       map[string]chan *protocol.Frame{},
		connected:     newMonitor(),
	}
	go endpoint.run()
	return endpoint
}

func (self *WsEndpoint) run() {
	defer self.cancel()

	authBytes, err := protocol.EncodeFrame(protocol.RequireToFrame(self.auth))
	if err != nil {
		glog.Errorf("[t]auth encode error = %s\n", err)
		return
	}

	for {
		connect := func() (*websocket.Conn, error) {
			self.mutex.Lock()
			url := self.urls[self.urlIndex%len(self.urls)]
			self.mutex.Unlock()

			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, url, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
			if err := ws.WriteMessage(websocket.BinaryMessage, authBytes); err != nil {
				return nil, err
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				return nil, err
			}
			// the surrogate echoes the auth frame on acceptance
			if messageType != websocket.BinaryMessage || !bytes.Equal(authBytes, message) {
				return nil, fmt.Errorf("auth response error")
			}

			success = true
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			glog.Infof("[t]connect %s error = %s\n", self.scoutId, err)
			self.mutex.Lock()
			// failover to the next surrogate
			self.urlIndex += 1
			self.mutex.Unlock()
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}

		self.mutex.Lock()
		self.conn = ws
		self.mutex.Unlock()
		self.connected.NotifyAll()

		pumpDone := make(chan struct{})
		go self.pingPump(ws, pumpDone)

		self.readPump(ws)
		close(pumpDone)

		self.mutex.Lock()
		self.conn = nil
		// fail requests in flight; callers retry
		for requestId, reply := range self.pending {
			close(reply)
			delete(self.pending, requestId)
		}
		self.mutex.Unlock()
		ws.Close()

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

// pingPump keeps the link alive with an empty message every PingTimeout.
func (self *WsEndpoint) pingPump(ws *websocket.Conn, done <-chan struct{}) {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-done:
			return
		case <-time.After(self.settings.PingTimeout):
		}
		self.mutex.Lock()
		if self.conn != ws {
			self.mutex.Unlock()
			return
		}
		ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0))
		self.mutex.Unlock()
		if err != nil {
			return
		}
	}
}

func (self *WsEndpoint) readPump(ws *websocket.Conn) {
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.Infof("[t]%s<- error = %s\n", self.scoutId, err)
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		if len(message) == 0 {
			// ping
			glog.V(2).Infof("[t]ping %s<-\n", self.scoutId)
			continue
		}

		frame, err := protocol.DecodeFrame(message)
		if err != nil {
			glog.Infof("[t]%s<- bad frame = %s\n", self.scoutId, err)
			continue
		}

		if frame.Type == protocol.MessageTypeBatchUpdatesNotification {
			message, err := protocol.FromFrame(frame)
			if err != nil {
				glog.Infof("[t]%s<- bad notification = %s\n", self.scoutId, err)
				continue
			}
			select {
			case self.notifications <- message.(*protocol.BatchUpdatesNotification):
			default:
				glog.Infof("[t]drop notification %s<-\n", self.scoutId)
			}
			continue
		}

		self.mutex.Lock()
		reply, ok := self.pending[frame.RequestId]
		if ok {
			delete(self.pending, frame.RequestId)
		}
		self.mutex.Unlock()
		if !ok {
			glog.V(2).Infof("[t]%s<- unmatched reply %s\n", self.scoutId, frame.RequestId)
			continue
		}
		reply <- frame
	}
}

func (self *WsEndpoint) Request(ctx context.Context, message any) (any, error) {
	frame, err := protocol.ToFrame(message)
	if err != nil {
		return nil, err
	}
	frame.RequestId = ulid.Make().String()
	b, err := protocol.EncodeFrame(frame)
	if err != nil {
		return nil, err
	}

	replyFrames := make(chan *protocol.Frame, 1)

	// wait for a connection rather than failing fast; the caller's context
	// bounds the wait
	var ws *websocket.Conn
	for {
		self.mutex.Lock()
		ws = self.conn
		if ws != nil {
			break
		}
		notify := self.connected.NotifyChannel()
		self.mutex.Unlock()
		select {
		case <-self.ctx.Done():
			return nil, fmt.Errorf("%w: endpoint closed", ErrNetwork)
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: surrogate not connected", ErrNetwork)
		case <-notify:
		}
	}
	self.pending[frame.RequestId] = replyFrames
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	err = ws.WriteMessage(websocket.BinaryMessage, b)
	self.mutex.Unlock()
	if err != nil {
		self.abandon(frame.RequestId)
		return nil, fmt.Errorf("%w: %s", ErrNetwork, err)
	}
	glog.V(2).Infof("[t]%s-> %s\n", self.scoutId, frame.Type)

	select {
	case <-self.ctx.Done():
		self.abandon(frame.RequestId)
		return nil, fmt.Errorf("%w: endpoint closed", ErrNetwork)
	case <-ctx.Done():
		self.abandon(frame.RequestId)
		return nil, fmt.Errorf("%w: %s", ErrNetwork, ctx.Err())
	case replyFrame, ok := <-replyFrames:
		if !ok {
			return nil, fmt.Errorf("%w: connection lost", ErrNetwork)
		}
		reply, err := protocol.FromFrame(replyFrame)
		if err != nil {
			return nil, err
		}
		return reply, nil
	}
}

func (self *WsEndpoint) abandon(requestId string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.pending, requestId)
}

func (self *WsEndpoint) Notifications() <-chan *protocol.BatchUpdatesNotification {
	return self.notifications
}

func (self *WsEndpoint) Close() error {
	self.cancel()
	return nil
}
