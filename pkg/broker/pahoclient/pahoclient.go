// Package pahoclient adapts github.com/eclipse/paho.mqtt.golang to the
// broker.Client capability interface consumed by the agent.
package pahoclient

import (
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/cybusio/vrpc-agent-go/pkg/broker"
)

// Client wraps a paho.mqtt.golang client. It is created in a disconnected
// state; Connect must be called before Publish/Subscribe/Unsubscribe.
type Client struct {
	mu sync.Mutex

	inner mqtt.Client

	onMessage func(broker.Message)
	handlers  map[broker.Event]func(error)
}

// New creates an unconnected client.
func New() *Client {
	return &Client{handlers: make(map[broker.Event]func(error))}
}

// OnMessage installs the inbound-message sink. Must be called before
// Connect to observe messages delivered during the connect handshake.
func (c *Client) OnMessage(handler func(broker.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = handler
}

// OnEvent installs a connection-lifecycle event handler. Must be called
// before Connect.
func (c *Client) OnEvent(event broker.Event, handler func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = handler
}

func (c *Client) fire(event broker.Event, err error) {
	c.mu.Lock()
	h := c.handlers[event]
	c.mu.Unlock()
	if h != nil {
		h(err)
	}
}

// Connect dials the broker. It is not idempotent across distinct
// ConnectOptions: call End before reconnecting with a different identity.
func (c *Client) Connect(opts broker.ConnectOptions) error {
	o := mqtt.NewClientOptions()
	o.AddBroker(opts.BrokerURL)
	o.SetClientID(opts.ClientID)
	if opts.Username != "" {
		o.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		o.SetPassword(opts.Password)
	}
	o.SetCleanSession(opts.CleanSession)
	o.SetAutoReconnect(!opts.CleanSession)
	o.SetOrderMatters(true)

	if opts.ConnectTimeoutSeconds > 0 {
		o.SetConnectTimeout(time.Duration(opts.ConnectTimeoutSeconds) * time.Second)
	}

	if opts.WillTopic != "" {
		o.SetBinaryWill(opts.WillTopic, opts.WillPayload, opts.WillQoS, opts.WillRetain)
	}

	if opts.TLSInsecureSkipVerify {
		o.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	}

	o.SetOnConnectHandler(func(mqtt.Client) {
		c.fire(broker.EventConnect, nil)
	})
	o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.fire(broker.EventClose, nil)
		c.fire(broker.EventError, err)
	})
	o.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		c.fire(broker.EventReconnect, nil)
	})
	o.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		c.deliver(msg)
	})

	c.mu.Lock()
	c.inner = mqtt.NewClient(o)
	inner := c.inner
	c.mu.Unlock()

	token := inner.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to broker %s: %w", opts.BrokerURL, err)
	}
	return nil
}

func (c *Client) deliver(msg mqtt.Message) {
	c.mu.Lock()
	sink := c.onMessage
	c.mu.Unlock()
	if sink == nil {
		return
	}
	sink(broker.Message{
		Topic:   msg.Topic(),
		Payload: msg.Payload(),
		Retain:  msg.Retained(),
		QoS:     msg.Qos(),
	})
}

func (c *Client) Publish(topic string, payload []byte, opts broker.PublishOptions) error {
	c.mu.Lock()
	inner := c.inner
	c.mu.Unlock()
	if inner == nil {
		return fmt.Errorf("not connected")
	}
	token := inner.Publish(topic, opts.QoS, opts.Retain, payload)
	token.Wait()
	return token.Error()
}

func (c *Client) Subscribe(topicFilter string, qos byte) error {
	c.mu.Lock()
	inner := c.inner
	c.mu.Unlock()
	if inner == nil {
		return fmt.Errorf("not connected")
	}
	token := inner.Subscribe(topicFilter, qos, func(_ mqtt.Client, msg mqtt.Message) {
		c.deliver(msg)
	})
	token.Wait()
	return token.Error()
}

func (c *Client) Unsubscribe(topicFilter string) error {
	c.mu.Lock()
	inner := c.inner
	c.mu.Unlock()
	if inner == nil {
		return fmt.Errorf("not connected")
	}
	token := inner.Unsubscribe(topicFilter)
	token.Wait()
	return token.Error()
}

func (c *Client) End(opts broker.EndOptions) error {
	c.mu.Lock()
	inner := c.inner
	c.inner = nil
	c.mu.Unlock()
	if inner == nil {
		return nil
	}
	quiesce := uint(250)
	if opts.Force {
		quiesce = 0
	}
	inner.Disconnect(quiesce)
	c.fire(broker.EventEnd, nil)
	return nil
}
