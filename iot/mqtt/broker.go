/*Package mqtt is a small embedded MQTT broker for development setups.

Devices authenticate with their serial as username and their twin's auth
token as password. The topic policy confines a device to its own status,
telemetry and command topics; the backend connects with the admin account
and is unrestricted. Production deployments run against an external broker
instead.
*/
package mqtt

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"

	"github.com/genemingxingma/iot-control-center/core/logger"
	"github.com/genemingxingma/iot-control-center/iot/twin"
)

// Broker is an embedded MQTT broker for relay devices.
type Broker struct {
	p *plugin
}

// Builder is a builder helper for the Broker
type Builder struct {
	// Twins is the twin store used for device authentication. This is mandatory.
	Twins twin.Store
	// TopicRoot is the transport topic root, e.g. "iot/relay". This is mandatory.
	TopicRoot string
	// ListenAddr is the TCP listen address. Defaults to ":1883".
	ListenAddr string
	// AdminUsername and AdminPassword authenticate the backend connection.
	AdminUsername string
	AdminPassword string
}

// plugin is the plugin for GMQTT
type plugin struct {
	ln            net.Listener
	twins         twin.Store
	topicRoot     string
	adminUsername string
	adminPassword string

	service gmqtt.Server
}

// NewBroker returns a new broker. The broker will not
// actually run until you call Run()
func NewBroker(bb *Builder) *Broker {
	if bb.Twins == nil {
		panic("Twins is missing")
	}
	if len(bb.TopicRoot) == 0 {
		panic("TopicRoot is missing")
	}
	addr := bb.ListenAddr
	if addr == "" {
		addr = ":1883"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		panic(err)
	}
	return &Broker{
		p: &plugin{
			ln:            ln,
			twins:         bb.Twins,
			topicRoot:     bb.TopicRoot,
			adminUsername: bb.AdminUsername,
			adminPassword: bb.AdminPassword,
		},
	}
}

// Run is blocking and runs the server. It listens on syscall.SIGTERM for
// a graceful shutdown.
func (b *Broker) Run() {
	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(b.p.ln),
		gmqtt.WithPlugin(b.p),
	)
	s.Run()

	logger.Default().Infoln("broker started on", b.p.ln.Addr().String())
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	<-signalCh
	s.Stop(context.Background())
	logger.Default().Infoln("broker stopped")
}

// Publish publishes an MQTT message with quality level 1. It implements the
// MessagePublisher interface for in-process setups.
func (b *Broker) Publish(topic string, payload []byte) bool {
	if b.p.service == nil {
		return false
	}
	msg := gmqtt.NewMessage(topic, payload, packets.QOS_1)
	b.p.service.PublishService().Publish(msg)
	return true
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	p.service = service
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "relay broker" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
	}
}

func (p *plugin) isAdmin(username, password string) bool {
	return p.adminUsername != "" && username == p.adminUsername && password == p.adminPassword
}

// OnConnectWrapper authenticates devices against their twin's auth token.
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		options := client.OptionsReader()
		username := options.Username()
		password := string(options.Password())
		if p.isAdmin(username, password) {
			return connect(ctx, client)
		}
		d, err := p.twins.GetBySerial(ctx, username)
		if err != nil || !d.Active || d.AuthToken == "" || d.AuthToken != password {
			logger.Default().Warnln("connect denied for", username)
			return packets.CodeBadUsernameorPsw
		}
		logger.Default().Infoln("device connected:", d.Serial)
		return connect(ctx, client)
	}
}

// OnSubscribeWrapper enforces topic policy: a device may only subscribe to
// its own command topic.
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		options := client.OptionsReader()
		if p.isAdmin(options.Username(), string(options.Password())) {
			return subscribe(ctx, client, topic)
		}
		serial := strings.ToLower(options.Username())
		if topic.Name != p.topicRoot+"/"+serial+"/command" {
			logger.Default().Warnln("subscribe denied:", serial, topic.Name)
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}

// OnMsgArrivedWrapper enforces topic policy: a device may only publish its
// own status and telemetry.
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		options := client.OptionsReader()
		if p.isAdmin(options.Username(), string(options.Password())) {
			return arrived(ctx, client, msg)
		}
		serial := strings.ToLower(options.Username())
		topic := msg.Topic()
		if topic != p.topicRoot+"/"+serial+"/status" && topic != p.topicRoot+"/"+serial+"/telemetry" {
			logger.Default().Warnln("publish denied:", serial, topic)
			return false
		}
		return arrived(ctx, client, msg)
	}
}
