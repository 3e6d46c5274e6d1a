package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

const TransportBufferSize = 32

type ConnectionStatus string

const (
	ConnectionStatusDisconnected ConnectionStatus = "disconnected"
	ConnectionStatusConnecting   ConnectionStatus = "connecting"
	ConnectionStatusConnected    ConnectionStatus = "connected"
	ConnectionStatusReconnecting ConnectionStatus = "reconnecting"
)

func (self ConnectionStatus) IsLive() bool {
	return self == ConnectionStatusConnected
}

func (self ConnectionStatus) IsTerminal() bool {
	return self == ConnectionStatusDisconnected
}

type StatusFunction func(status ConnectionStatus, err error)

type RoomTransportSettings struct {
	WsHandshakeTimeout time.Duration
	// the join request must be confirmed inside this window
	JoinTimeout time.Duration
	// cadence of liveness pings on an established connection
	HeartbeatInterval time.Duration
	// a ping without a pong inside this window declares the connection dead
	ProbeTimeout   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	SendBufferSize int
	// rejoin automatically after an unrequested drop
	AutoReconnect bool
	// reconnect attempt i waits base * 2^i, capped at the max delay
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
}

func DefaultRoomTransportSettings() *RoomTransportSettings {
	return &RoomTransportSettings{
		WsHandshakeTimeout:   5 * time.Second,
		JoinTimeout:          10 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		ProbeTimeout:         5 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReadTimeout:          45 * time.Second,
		SendBufferSize:       TransportBufferSize,
		AutoReconnect:        true,
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 5,
	}
}

// RoomTransport maintains one persistent websocket to a room. It owns
// the join handshake, the heartbeat, and the reconnect schedule. Decoded
// server events come out of `Receive` in arrival order.
type RoomTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	join     *JoinRoom
	settings *RoomTransportSettings

	receive chan any

	stateLock   sync.Mutex
	status      ConnectionStatus
	send        chan []byte
	ws          *websocket.Conn
	manualClose bool
	started     bool

	statusCallbacks *CallbackList[StatusFunction]
}

func NewRoomTransportWithDefaults(
	ctx context.Context,
	url string,
	join *JoinRoom,
) *RoomTransport {
	return NewRoomTransport(ctx, url, join, DefaultRoomTransportSettings())
}

func NewRoomTransport(
	ctx context.Context,
	url string,
	join *JoinRoom,
	settings *RoomTransportSettings,
) *RoomTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &RoomTransport{
		ctx:             cancelCtx,
		cancel:          cancel,
		url:             url,
		join:            join,
		settings:        settings,
		receive:         make(chan any, TransportBufferSize),
		status:          ConnectionStatusDisconnected,
		statusCallbacks: NewCallbackList[StatusFunction](),
	}
	return transport
}

// Connect dials the room and resolves when the server confirms or
// denies the join. A failed first connect does not retry. After a
// successful join the transport manages itself in the background,
// heartbeat and reconnect schedule included, until `Close`.
func (self *RoomTransport) Connect(ctx context.Context) error {
	self.stateLock.Lock()
	if self.started || self.manualClose {
		self.stateLock.Unlock()
		return ErrSessionClosed
	}
	self.started = true
	self.stateLock.Unlock()

	self.setStatus(ConnectionStatusConnecting, nil)
	first := make(chan error, 1)
	go self.run(first)
	select {
	case <-ctx.Done():
		self.cancel()
		return &ConnectionError{Op: "connect", Err: ctx.Err()}
	case err := <-first:
		return err
	}
}

func (self *RoomTransport) run(first chan error) {
	defer func() {
		self.cancel()
		self.setStatus(ConnectionStatusDisconnected, nil)
	}()

	reconnect := self.newReconnectBackoff()
	attempt := 0
	for {
		if self.isManualClose() {
			return
		}

		ws, roomState, err := self.connect()
		if err != nil {
			if first != nil {
				first <- err
				return
			}
			attempt += 1
			glog.Infof("[t]%s rejoin attempt %d error = %s\n", self.join.RoomId, attempt, err)
			if self.settings.MaxReconnectAttempts <= attempt {
				self.setStatus(ConnectionStatusDisconnected, &ReconnectExhaustedError{
					Attempts: attempt,
					Err:      err,
				})
				return
			}
			if !self.waitReconnect(reconnect) {
				return
			}
			continue
		}

		attempt = 0
		reconnect.Reset()
		self.deliver(roomState)
		if first != nil {
			first <- nil
			first = nil
		}
		self.setStatus(ConnectionStatusConnected, nil)

		err = self.handle(ws)

		if self.isManualClose() {
			return
		}
		if !self.settings.AutoReconnect {
			self.setStatus(ConnectionStatusDisconnected, err)
			return
		}
		self.setStatus(ConnectionStatusReconnecting, err)
		if !self.waitReconnect(reconnect) {
			return
		}
	}
}

func (self *RoomTransport) newReconnectBackoff() *backoff.ExponentialBackOff {
	reconnect := backoff.NewExponentialBackOff()
	reconnect.InitialInterval = self.settings.ReconnectBaseDelay
	reconnect.RandomizationFactor = 0
	reconnect.Multiplier = 2
	reconnect.MaxInterval = self.settings.ReconnectMaxDelay
	reconnect.MaxElapsedTime = 0
	reconnect.Reset()
	return reconnect
}

// waits for the next slot in the reconnect schedule.
// returns false when the transport was torn down while waiting.
func (self *RoomTransport) waitReconnect(reconnect *backoff.ExponentialBackOff) bool {
	delay := reconnect.NextBackOff()
	glog.V(1).Infof("[t]%s reconnect in %s\n", self.join.RoomId, delay)
	delayTimer := time.NewTimer(delay)
	select {
	case <-self.ctx.Done():
		delayTimer.Stop()
		return false
	case <-delayTimer.C:
		return true
	}
}

// dials and runs the join handshake. the server must answer the join
// request with a room state confirmation inside the join window.
func (self *RoomTransport) connect() (*websocket.Conn, *RoomState, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
	if err != nil {
		return nil, nil, &ConnectionError{Op: "dial", Err: err}
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	joinBytes, err := EncodeMessage(self.join)
	if err != nil {
		return nil, nil, err
	}
	joinDeadline := time.Now().Add(self.settings.JoinTimeout)
	ws.SetWriteDeadline(joinDeadline)
	if err := ws.WriteMessage(websocket.TextMessage, joinBytes); err != nil {
		return nil, nil, &ConnectionError{Op: "join", Err: err}
	}

	for {
		ws.SetReadDeadline(joinDeadline)
		_, message, err := ws.ReadMessage()
		if err != nil {
			return nil, nil, &ConnectionError{Op: "join", Err: err}
		}
		m, err := DecodeMessage(message)
		if err != nil {
			glog.V(2).Infof("[t]%s join drop undecodable message = %s\n", self.join.RoomId, err)
			continue
		}
		switch v := m.(type) {
		case *RoomState:
			success = true
			return ws, v, nil
		case *ErrorNotice:
			if v.Code == ErrorCodeJoinDenied {
				return nil, nil, &JoinDeniedError{
					Code:    v.Code,
					Message: v.Message,
				}
			}
			return nil, nil, &ConnectionError{Op: "join", Err: noticeError(v)}
		default:
			// the server confirms the join before anything else
			glog.V(2).Infof("[t]%s join drop early message %T\n", self.join.RoomId, v)
		}
	}
}

// runs the send, receive and heartbeat pumps until the connection
// drops. returns the drop cause when one was recorded.
func (self *RoomTransport) handle(ws *websocket.Conn) error {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	send := make(chan []byte, self.settings.SendBufferSize)
	pongs := make(chan struct{}, 1)
	errc := make(chan error, 3)

	self.attach(ws, send)
	defer self.detach(send)

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message, ok := <-send:
				if !ok {
					return
				}

				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					// note that for websocket a deadline timeout cannot be recovered
					glog.Infof("[ts]%s-> error = %s\n", self.join.RoomId, err)
					errc <- &ConnectionError{Op: "write", Err: err}
					return
				}
				glog.V(2).Infof("[ts]%s->\n", self.join.RoomId)
			}
		}
	}()

	go func() {
		defer handleCancel()

		heartbeat := time.NewTicker(self.settings.HeartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case <-handleCtx.Done():
				return
			case <-heartbeat.C:
				// drop a stale pong from the previous probe
				select {
				case <-pongs:
				default:
				}
				ping := RequireEncodeMessage(&Ping{
					SendTime: time.Now().UnixMilli(),
				})
				select {
				case <-handleCtx.Done():
					return
				case send <- ping:
				}
				probe := time.NewTimer(self.settings.ProbeTimeout)
				select {
				case <-handleCtx.Done():
					probe.Stop()
					return
				case <-pongs:
					probe.Stop()
				case <-probe.C:
					glog.Infof("[t]%s heartbeat timeout\n", self.join.RoomId)
					errc <- &ConnectionError{Op: "heartbeat", Err: errors.New("No pong before the probe deadline.")}
					return
				}
			}
		}
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			_, message, err := ws.ReadMessage()
			if err != nil {
				glog.Infof("[tr]%s<- error = %s\n", self.join.RoomId, err)
				errc <- &ConnectionError{Op: "read", Err: err}
				return
			}
			m, err := DecodeMessage(message)
			if err != nil {
				glog.V(2).Infof("[tr]%s<- drop undecodable message = %s\n", self.join.RoomId, err)
				continue
			}
			switch v := m.(type) {
			case *Pong:
				select {
				case pongs <- struct{}{}:
				default:
				}
			case *Ping:
				// answer server probes right away
				pong := RequireEncodeMessage(&Pong{SendTime: v.SendTime})
				select {
				case <-handleCtx.Done():
					return
				case send <- pong:
				default:
				}
			default:
				glog.V(2).Infof("[tr]%s<-\n", self.join.RoomId)
				self.deliver(m)
			}
		}
	}()

	select {
	case <-handleCtx.Done():
	}
	select {
	case err := <-errc:
		return err
	default:
		return nil
	}
}

func (self *RoomTransport) deliver(message any) {
	select {
	case <-self.ctx.Done():
	case self.receive <- message:
	}
}

// Receive is the ordered stream of decoded server events.
// The channel is never closed. Select against `Done`.
func (self *RoomTransport) Receive() <-chan any {
	return self.receive
}

func (self *RoomTransport) Done() <-chan struct{} {
	return self.ctx.Done()
}

// Send enqueues one message on the active connection. Fire and forget:
// when there is no active connection, or the send buffer is full, the
// message is dropped and `false` returned.
func (self *RoomTransport) Send(message any) bool {
	b, err := EncodeMessage(message)
	if err != nil {
		glog.Infof("[t]%s send encode error = %s\n", self.join.RoomId, err)
		return false
	}

	self.stateLock.Lock()
	send := self.send
	status := self.status
	self.stateLock.Unlock()

	if send == nil || status != ConnectionStatusConnected {
		glog.V(2).Infof("[t]%s drop send while %s\n", self.join.RoomId, status)
		return false
	}
	select {
	case send <- b:
		return true
	case <-self.ctx.Done():
		return false
	default:
		glog.Infof("[t]%s send buffer full, drop\n", self.join.RoomId)
		return false
	}
}

func (self *RoomTransport) attach(ws *websocket.Conn, send chan []byte) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.ws = ws
	self.send = send
}

func (self *RoomTransport) detach(send chan []byte) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.send == send {
		self.send = nil
		self.ws = nil
	}
}

func (self *RoomTransport) isManualClose() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.manualClose
}

func (self *RoomTransport) Status() ConnectionStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.status
}

func (self *RoomTransport) setStatus(status ConnectionStatus, err error) {
	var callbacks []StatusFunction
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.status == status && err == nil {
			return
		}
		self.status = status
		callbacks = self.statusCallbacks.Get()
	}()
	for _, callback := range callbacks {
		HandleError(func() {
			callback(status, err)
		})
	}
}

func (self *RoomTransport) AddStatusCallback(statusCallback StatusFunction) func() {
	callbackId := self.statusCallbacks.Add(statusCallback)
	return func() {
		self.statusCallbacks.Remove(callbackId)
	}
}

// Disconnect leaves the room and stops the reconnect schedule. Safe to
// call more than once. No transmission follows the teardown.
func (self *RoomTransport) Disconnect() {
	var ws *websocket.Conn
	done := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.manualClose {
			done = true
			return
		}
		self.manualClose = true
		ws = self.ws
	}()
	if done {
		return
	}

	// best effort leave notice before the socket goes away
	self.Send(&LeaveRoom{RoomId: self.join.RoomId})
	if ws != nil {
		deadline := time.Now().Add(self.settings.WriteTimeout)
		closeMessage := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leave")
		ws.WriteControl(websocket.CloseMessage, closeMessage, deadline)
	}
	self.cancel()
	self.setStatus(ConnectionStatusDisconnected, nil)
}

func (self *RoomTransport) Close() {
	self.Disconnect()
}
