package venue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// StreamConfig конфигурация переподключения WebSocket потока
type StreamConfig struct {
	InitialDelay   time.Duration // начальная задержка перед переподключением
	MaxDelay       time.Duration // потолок exponential backoff
	MaxRetries     int           // 0 = без лимита
	ConnectTimeout time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
}

// DefaultStreamConfig задержки 2s, 4s, 8s, 16s
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		InitialDelay:   2 * time.Second,
		MaxDelay:       16 * time.Second,
		MaxRetries:     10,
		ConnectTimeout: 10 * time.Second,
		PingInterval:   30 * time.Second,
		PongTimeout:    10 * time.Second,
	}
}

// StreamState состояние WebSocket соединения
type StreamState int32

const (
	StreamDisconnected StreamState = iota
	StreamConnecting
	StreamConnected
	StreamReconnecting
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamDisconnected:
		return "disconnected"
	case StreamConnecting:
		return "connecting"
	case StreamConnected:
		return "connected"
	case StreamReconnecting:
		return "reconnecting"
	case StreamClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stream управляет WebSocket соединением с биржей: автоматическое
// переподключение с exponential backoff, восстановление подписок после
// разрыва, ping/pong для проверки живости.
//
// Порядок использования:
// 1. NewStream(...)
// 2. SetOnMessage / SetOnConnect / SetOnDisconnect
// 3. Connect()
// 4. Send(msg) по необходимости
// 5. Close()
type Stream struct {
	venueName string
	wsURL     string
	config    StreamConfig
	log       *zap.Logger

	conn   *websocket.Conn
	connMu sync.RWMutex

	state      int32 // atomic StreamState
	retryCount int32 // atomic

	closeChan chan struct{}

	onMessage    func([]byte)
	onConnect    func()
	onDisconnect func(error)
	callbackMu   sync.RWMutex

	// подписки восстанавливаются после каждого переподключения
	subscriptions   []interface{}
	subscriptionsMu sync.RWMutex

	// аутентификация приватных каналов, выполняется до resubscribe
	authFunc func(*websocket.Conn) error
}

// NewStream создаёт менеджер WebSocket потока
func NewStream(venueName, wsURL string, config StreamConfig, log *zap.Logger) *Stream {
	return &Stream{
		venueName:     venueName,
		wsURL:         wsURL,
		config:        config,
		log:           log.With(zap.String("venue", venueName)),
		closeChan:     make(chan struct{}),
		subscriptions: make([]interface{}, 0),
	}
}

// SetOnMessage устанавливает callback для входящих сообщений
func (s *Stream) SetOnMessage(handler func([]byte)) {
	s.callbackMu.Lock()
	s.onMessage = handler
	s.callbackMu.Unlock()
}

// SetOnConnect устанавливает callback подключения
func (s *Stream) SetOnConnect(handler func()) {
	s.callbackMu.Lock()
	s.onConnect = handler
	s.callbackMu.Unlock()
}

// SetOnDisconnect устанавливает callback отключения
func (s *Stream) SetOnDisconnect(handler func(error)) {
	s.callbackMu.Lock()
	s.onDisconnect = handler
	s.callbackMu.Unlock()
}

// SetAuthFunc устанавливает функцию аутентификации для приватных каналов
func (s *Stream) SetAuthFunc(authFunc func(*websocket.Conn) error) {
	s.authFunc = authFunc
}

// AddSubscription регистрирует подписку для восстановления после переподключения
func (s *Stream) AddSubscription(sub interface{}) {
	s.subscriptionsMu.Lock()
	s.subscriptions = append(s.subscriptions, sub)
	s.subscriptionsMu.Unlock()
}

// State возвращает текущее состояние соединения
func (s *Stream) State() StreamState {
	return StreamState(atomic.LoadInt32(&s.state))
}

// IsConnected проверяет, установлено ли соединение
func (s *Stream) IsConnected() bool {
	return s.State() == StreamConnected
}

// Connect устанавливает соединение и запускает read/ping горутины
func (s *Stream) Connect() error {
	select {
	case <-s.closeChan:
		return fmt.Errorf("stream is closed")
	default:
	}

	atomic.StoreInt32(&s.state, int32(StreamConnecting))

	if err := s.dial(); err != nil {
		atomic.StoreInt32(&s.state, int32(StreamDisconnected))
		return err
	}

	atomic.StoreInt32(&s.state, int32(StreamConnected))
	atomic.StoreInt32(&s.retryCount, 0)

	s.fireOnConnect()

	go s.readPump()
	go s.pingPump()

	s.log.Info("websocket connected", zap.String("url", s.wsURL))
	return nil
}

func (s *Stream) dial() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{
		HandshakeTimeout: s.config.ConnectTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial error: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	if s.authFunc != nil {
		if err := s.authFunc(conn); err != nil {
			conn.Close()
			s.connMu.Lock()
			s.conn = nil
			s.connMu.Unlock()
			return fmt.Errorf("auth error: %w", err)
		}
	}

	if err := s.resubscribe(); err != nil {
		// не фатально: подписки восстановятся при следующем разрыве
		s.log.Warn("resubscribe error", zap.Error(err))
	}

	return nil
}

func (s *Stream) resubscribe() error {
	s.subscriptionsMu.RLock()
	subs := make([]interface{}, len(s.subscriptions))
	copy(subs, s.subscriptions)
	s.subscriptionsMu.RUnlock()

	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()

	if conn == nil {
		return fmt.Errorf("no connection")
	}

	for _, sub := range subs {
		if err := conn.WriteJSON(sub); err != nil {
			return fmt.Errorf("resubscribe error: %w", err)
		}
	}

	if len(subs) > 0 {
		s.log.Info("resubscribed", zap.Int("channels", len(subs)))
	}
	return nil
}

func (s *Stream) readPump() {
	for {
		select {
		case <-s.closeChan:
			return
		default:
		}

		s.connMu.RLock()
		conn := s.conn
		s.connMu.RUnlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			s.handleDisconnect(err)
			return
		}

		s.callbackMu.RLock()
		onMessage := s.onMessage
		s.callbackMu.RUnlock()

		if onMessage != nil {
			onMessage(message)
		}
	}
}

func (s *Stream) pingPump() {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closeChan:
			return
		case <-ticker.C:
			s.connMu.RLock()
			conn := s.conn
			s.connMu.RUnlock()

			if conn == nil || s.State() != StreamConnected {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(s.config.PongTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.log.Warn("ping error", zap.Error(err))
				s.handleDisconnect(err)
				return
			}
		}
	}
}

func (s *Stream) handleDisconnect(err error) {
	select {
	case <-s.closeChan:
		return
	default:
	}

	// избегаем повторной обработки одного разрыва
	state := s.State()
	if state == StreamReconnecting || state == StreamClosed {
		return
	}

	atomic.StoreInt32(&s.state, int32(StreamReconnecting))

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()

	s.callbackMu.RLock()
	onDisconnect := s.onDisconnect
	s.callbackMu.RUnlock()

	if onDisconnect != nil {
		onDisconnect(err)
	}

	if err != nil {
		s.log.Warn("websocket disconnected", zap.Error(err))
	}

	go s.reconnectLoop()
}

func (s *Stream) reconnectLoop() {
	delay := s.config.InitialDelay

	for {
		select {
		case <-s.closeChan:
			return
		default:
		}

		retryCount := atomic.AddInt32(&s.retryCount, 1)

		if s.config.MaxRetries > 0 && int(retryCount) > s.config.MaxRetries {
			s.log.Error("max reconnect attempts reached",
				zap.Int("max_retries", s.config.MaxRetries))
			atomic.StoreInt32(&s.state, int32(StreamDisconnected))
			return
		}

		s.log.Info("reconnecting",
			zap.Duration("delay", delay),
			zap.Int32("attempt", retryCount),
			zap.Int("max_retries", s.config.MaxRetries))

		select {
		case <-s.closeChan:
			return
		case <-time.After(delay):
		}

		if err := s.dial(); err != nil {
			s.log.Warn("reconnect failed", zap.Error(err))
			delay = delay * 2
			if delay > s.config.MaxDelay {
				delay = s.config.MaxDelay
			}
			continue
		}

		atomic.StoreInt32(&s.state, int32(StreamConnected))
		atomic.StoreInt32(&s.retryCount, 0)

		s.fireOnConnect()

		s.log.Info("websocket reconnected")

		go s.readPump()
		go s.pingPump()
		return
	}
}

func (s *Stream) fireOnConnect() {
	s.callbackMu.RLock()
	onConnect := s.onConnect
	s.callbackMu.RUnlock()

	if onConnect != nil {
		onConnect()
	}
}

// Send отправляет JSON сообщение через соединение
func (s *Stream) Send(msg interface{}) error {
	if s.State() != StreamConnected {
		return fmt.Errorf("not connected (state: %s)", s.State())
	}

	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()

	if conn == nil {
		return fmt.Errorf("no connection")
	}

	return conn.WriteJSON(msg)
}

// Close закрывает соединение и останавливает переподключение
func (s *Stream) Close() error {
	select {
	case <-s.closeChan:
		return nil
	default:
		close(s.closeChan)
	}

	atomic.StoreInt32(&s.state, int32(StreamClosed))

	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}
