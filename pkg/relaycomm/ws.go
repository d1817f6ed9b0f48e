package relaycomm

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"motioncam/pkg/encryption"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	reconnectDelay = 5 * time.Second
	pingInterval   = 30 * time.Second
	writeTimeout   = 10 * time.Second
)

type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// sealed is the payload shape once a peer key is configured
type sealed struct {
	EncryptedPayload string `json:"encryptedPayload"`
}

type RelayComm struct {
	url      string
	cameraID string
	dialer   *websocket.Dialer

	mu       sync.Mutex // guards conn and serializes writes
	conn     *websocket.Conn
	session  *encryption.Session
	running  bool
	stopChan chan struct{}

	hmu      sync.RWMutex
	handlers map[string]func(json.RawMessage)
}

var instance *RelayComm
var once sync.Once

func Init(relayURL, cameraID string) {
	once.Do(func() {
		instance = New(relayURL, cameraID)
	})
}

func Get() *RelayComm {
	if instance == nil {
		panic("relaycomm not initialized - call Init() first")
	}
	return instance
}

func New(relayURL, cameraID string) *RelayComm {
	return &RelayComm{
		url:      relayURL,
		cameraID: cameraID,
		dialer:   websocket.DefaultDialer,
		handlers: make(map[string]func(json.RawMessage)),
	}
}

// UseSession seals every payload in both directions with s.
func (r *RelayComm) UseSession(s *encryption.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session = s
}

// On registers a handler for a message type
func (r *RelayComm) On(messageType string, handler func(json.RawMessage)) {
	r.hmu.Lock()
	defer r.hmu.Unlock()
	r.handlers[messageType] = handler
}

// Start connects to relay server and maintains connection
func (r *RelayComm) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("already running")
	}
	if r.url == "" {
		return fmt.Errorf("relay URL not configured")
	}

	r.running = true
	r.stopChan = make(chan struct{})

	go r.connectLoop(r.stopChan)
	return nil
}

// Stop closes the connection and ends the reconnect loop.
func (r *RelayComm) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}
	r.running = false
	close(r.stopChan)
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
}

// Connected reports whether a relay connection is currently open.
func (r *RelayComm) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

// Send sends a message to the relay server
func (r *RelayComm) Send(messageType string, payload interface{}) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil {
		return fmt.Errorf("not connected")
	}

	if r.session != nil {
		ct, err := r.session.Seal(payloadJSON)
		if err != nil {
			return fmt.Errorf("failed to encrypt payload: %w", err)
		}
		if payloadJSON, err = json.Marshal(sealed{EncryptedPayload: ct}); err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	r.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return r.conn.WriteJSON(Message{Type: messageType, Payload: payloadJSON})
}

func (r *RelayComm) connectLoop(stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		conn, err := r.connect(stop)
		if err != nil {
			log.Warn().Err(err).Msg("Relay connection failed")
		} else {
			log.Info().Str("url", r.url).Msg("Relay connected")
			// Handle messages until connection closes
			r.handleMessages(conn)
			r.dropConn(conn)
			log.Info().Msg("Relay disconnected")
		}

		select {
		case <-stop:
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (r *RelayComm) connect(stop chan struct{}) (*websocket.Conn, error) {
	u, err := url.Parse(r.url)
	if err != nil {
		return nil, fmt.Errorf("invalid relay URL: %w", err)
	}
	q := u.Query()
	q.Set("cameraId", r.cameraID)
	u.RawQuery = q.Encode()

	conn, _, err := r.dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		conn.Close()
		return nil, fmt.Errorf("stopped")
	}
	r.conn = conn
	r.mu.Unlock()

	go r.pingLoop(conn, stop)
	return conn, nil
}

func (r *RelayComm) dropConn(conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == conn {
		r.conn = nil
	}
	conn.Close()
}

func (r *RelayComm) handleMessages(conn *websocket.Conn) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		payload, err := r.open(msg.Payload)
		if err != nil {
			log.Warn().Err(err).Str("type", msg.Type).Msg("Dropping relay message")
			continue
		}

		r.hmu.RLock()
		handler, ok := r.handlers[msg.Type]
		r.hmu.RUnlock()
		if !ok {
			log.Debug().Str("type", msg.Type).Msg("No handler for relay message")
			continue
		}
		go handler(payload)
	}
}

// open decrypts a sealed payload when a session is in use
func (r *RelayComm) open(payload json.RawMessage) (json.RawMessage, error) {
	r.mu.Lock()
	session := r.session
	r.mu.Unlock()

	if session == nil {
		return payload, nil
	}

	var req sealed
	if err := json.Unmarshal(payload, &req); err != nil || req.EncryptedPayload == "" {
		return nil, fmt.Errorf("expected encrypted payload")
	}
	plain, err := session.Open(req.EncryptedPayload)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt payload: %w", err)
	}
	return json.RawMessage(plain), nil
}

func (r *RelayComm) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.mu.Lock()
			if r.conn != conn {
				r.mu.Unlock()
				return
			}
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			r.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
