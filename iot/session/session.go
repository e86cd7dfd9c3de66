/*Package session maintains the broker connection for a tenant.

A Session wraps one MQTT client connection: it subscribes to the tenant's
status and telemetry topics and hands every inbound message to the injected
handler on the client's callback path. Publish is synchronous and retries
exactly once after a forced reconnect.

Sessions are owned by a Manager with application-scoped lifecycle; there is
no process-global connection state.
*/
package session

import (
	"fmt"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/genemingxingma/iot-control-center/core/logger"
)

// Config is the broker connection configuration for one tenant. Two configs
// compare equal iff no reconnect is needed.
type Config struct {
	Host         string
	Port         int
	Username     string
	Password     string
	TopicRoot    string
	KeepaliveSec int
}

// Handler receives every inbound message on the transport's callback path.
type Handler func(topic string, payload []byte)

// publishWaitTimeout bounds how long a synchronous publish may block.
const publishWaitTimeout = 10 * time.Second

// newClient builds the underlying MQTT client; tests substitute a fake.
var newClient = func(opts *mqtt.ClientOptions) mqtt.Client {
	return mqtt.NewClient(opts)
}

// Session is one persistent broker connection for a tenant.
type Session struct {
	tenant  string
	config  Config
	handler Handler

	mu      sync.Mutex
	client  mqtt.Client
	started bool
}

// NewSession returns a session that will not connect until Start is called.
func NewSession(tenant string, config Config, handler Handler) *Session {
	return &Session{tenant: tenant, config: config, handler: handler}
}

// Config returns the session's connection configuration.
func (s *Session) Config() Config {
	return s.config
}

func (s *Session) makeClient() mqtt.Client {
	// process-unique client identity, avoids broker session collisions
	// across parallel workers
	clientID := fmt.Sprintf("relay-%s-%d-%s", s.tenant, os.Getpid(), uuid.NewString()[:8])

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", s.config.Host, s.config.Port)).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetKeepAlive(time.Duration(s.config.KeepaliveSec) * time.Second)
	if s.config.Username != "" {
		opts.SetUsername(s.config.Username)
		opts.SetPassword(s.config.Password)
	}
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		root := s.config.TopicRoot
		onMessage := func(_ mqtt.Client, msg mqtt.Message) {
			if s.handler != nil {
				s.handler(msg.Topic(), msg.Payload())
			}
		}
		c.Subscribe(root+"/+/status", 1, onMessage)
		c.Subscribe(root+"/+/telemetry", 1, onMessage)
		logger.Default().Infof("mqtt connected and subscribed on %s for tenant %s", root, s.tenant)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Default().WithError(err).Warnf("mqtt disconnected for tenant %s", s.tenant)
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
	})
	return newClient(opts)
}

// Start opens the connection. It is a no-op when the session already runs.
func (s *Session) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return true
	}
	if s.config.Host == "" {
		return false
	}
	client := s.makeClient()
	token := client.Connect()
	if !token.WaitTimeout(publishWaitTimeout) || token.Error() != nil {
		logger.Default().WithError(token.Error()).Errorf("mqtt connect failed for %s:%d",
			s.config.Host, s.config.Port)
		return false
	}
	s.client = client
	s.started = true
	return true
}

// Publish publishes with QoS 1. On failure it forces a disconnect plus
// reconnect and retries exactly once; the result is the final outcome.
func (s *Session) Publish(topic string, payload []byte) bool {
	if !s.Start() {
		return false
	}
	if s.tryPublish(topic, payload) {
		return true
	}
	logger.Default().Warnf("mqtt publish failed on %s, retrying once after reconnect", topic)
	s.Stop()
	if !s.Start() {
		return false
	}
	return s.tryPublish(topic, payload)
}

func (s *Session) tryPublish(topic string, payload []byte) bool {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return false
	}
	token := client.Publish(topic, 1, false, payload)
	return token.WaitTimeout(publishWaitTimeout) && token.Error() == nil
}

// Stop disconnects gracefully. It is idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil && s.started {
		s.client.Disconnect(250)
	}
	s.client = nil
	s.started = false
}
