// Package broker defines the publish/subscribe capability the agent
// requires from an MQTT client library. The agent only ever talks to this
// interface; concrete transports (pkg/broker/pahoclient for production,
// internal/membroker for tests) live in their own packages.
package broker

// Event names the connection-lifecycle notifications the agent observes.
type Event string

const (
	EventConnect    Event = "connect"
	EventReconnect  Event = "reconnect"
	EventClose      Event = "close"
	EventOffline    Event = "offline"
	EventError      Event = "error"
	EventEnd        Event = "end"
)

// ConnectOptions mirrors the connection parameters the agent must be able
// to set: a durable client id, one of token or username/password
// authentication, a last-will publication, and TLS tolerance.
type ConnectOptions struct {
	BrokerURL    string
	ClientID     string
	Username     string
	Password     string
	CleanSession bool

	WillTopic   string
	WillPayload []byte
	WillQoS     byte
	WillRetain  bool

	TLSInsecureSkipVerify bool

	ConnectTimeoutSeconds int
}

// PublishOptions controls delivery guarantees and retention for one
// publication.
type PublishOptions struct {
	QoS    byte
	Retain bool
}

// EndOptions controls graceful shutdown.
type EndOptions struct {
	Force bool
}

// Message is one inbound publication delivered to a subscription handler.
type Message struct {
	Topic   string
	Payload []byte
	Retain  bool
	QoS     byte
}

// Client is the publish/subscribe capability consumed by the agent. A
// durable session is identified by ConnectOptions.ClientID: reconnecting
// with the same client id and CleanSession=false restores prior
// subscriptions without the agent resubscribing.
type Client interface {
	Connect(opts ConnectOptions) error
	Publish(topic string, payload []byte, opts PublishOptions) error
	Subscribe(topicFilter string, qos byte) error
	Unsubscribe(topicFilter string) error
	End(opts EndOptions) error

	// OnMessage installs the single sink for inbound publications on any
	// subscribed topic. The agent demultiplexes by topic itself.
	OnMessage(handler func(Message))

	// OnEvent installs a handler for one connection-lifecycle event. err is
	// non-nil only for EventError.
	OnEvent(event Event, handler func(err error))
}
