// Package membroker is an in-process fake of the broker.Client capability,
// adapted from the topic/retained-message model in the teacher's broker
// service so that agent and tracker behavior can be exercised in tests
// without a running MQTT daemon.
//
// A single Hub stands in for the broker itself; each Client obtained from
// NewClient is one connection into that hub. Delivery is synchronous: a
// Publish call invokes every matching subscriber's handler before
// returning, which keeps test assertions deterministic.
package membroker

import (
	"strings"
	"sync"

	"github.com/cybusio/vrpc-agent-go/pkg/broker"
)

// Hub is the shared in-memory broker state: retained messages and the
// current subscriber list per topic filter.
type Hub struct {
	mu          sync.Mutex
	retained    map[string][]byte
	subscribers map[string][]*Client
	clients     []*Client
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		retained:    make(map[string][]byte),
		subscribers: make(map[string][]*Client),
	}
}

// NewClient creates a new unconnected connection into this hub.
func (h *Hub) NewClient() *Client {
	c := &Client{hub: h, handlers: make(map[broker.Event]func(error))}
	h.mu.Lock()
	h.clients = append(h.clients, c)
	h.mu.Unlock()
	return c
}

// Crash simulates an ungraceful disconnect of clientID: its last-will, if
// one was registered at Connect time, is published as the broker would on
// a real dropped TCP connection.
func (h *Hub) Crash(clientID string) {
	h.mu.Lock()
	var will *willSpec
	for _, c := range h.clients {
		c.mu.Lock()
		if c.connected && c.clientID == clientID && c.will != nil {
			will = c.will
		}
		c.mu.Unlock()
	}
	h.mu.Unlock()
	if will != nil {
		_ = h.publish(will.topic, will.payload, will.retain)
	}
}

type willSpec struct {
	topic   string
	payload []byte
	retain  bool
}

// Client is one connection into a Hub.
type Client struct {
	hub *Hub

	mu        sync.Mutex
	connected bool
	clientID  string
	will      *willSpec
	onMessage func(broker.Message)
	handlers  map[broker.Event]func(error)
}

func (c *Client) OnMessage(handler func(broker.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = handler
}

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

func (c *Client) Connect(opts broker.ConnectOptions) error {
	c.mu.Lock()
	c.clientID = opts.ClientID
	c.connected = true
	if opts.WillTopic != "" {
		c.will = &willSpec{topic: opts.WillTopic, payload: opts.WillPayload, retain: opts.WillRetain}
	} else {
		c.will = nil
	}
	c.mu.Unlock()
	c.fire(broker.EventConnect, nil)
	return nil
}

func (c *Client) Publish(topic string, payload []byte, opts broker.PublishOptions) error {
	return c.hub.publish(topic, payload, opts.Retain)
}

func (h *Hub) publish(topic string, payload []byte, retain bool) error {
	h.mu.Lock()
	if retain {
		if len(payload) == 0 {
			delete(h.retained, topic)
		} else {
			h.retained[topic] = payload
		}
	}
	var targets []*Client
	for filter, subs := range h.subscribers {
		if topicMatches(filter, topic) {
			targets = append(targets, subs...)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.deliverOnce(topic, payload, retain)
	}
	return nil
}

func (c *Client) deliverOnce(topic string, payload []byte, retain bool) {
	c.mu.Lock()
	sink := c.onMessage
	c.mu.Unlock()
	if sink != nil {
		sink(broker.Message{Topic: topic, Payload: payload, Retain: retain})
	}
}

func (c *Client) Subscribe(topicFilter string, qos byte) error {
	c.hub.mu.Lock()
	c.hub.subscribers[topicFilter] = append(c.hub.subscribers[topicFilter], c)
	var matchedTopics []string
	var matchedPayloads [][]byte
	for topic, payload := range c.hub.retained {
		if topicMatches(topicFilter, topic) {
			matchedTopics = append(matchedTopics, topic)
			matchedPayloads = append(matchedPayloads, payload)
		}
	}
	c.hub.mu.Unlock()

	for i, topic := range matchedTopics {
		c.deliverOnce(topic, matchedPayloads[i], true)
	}
	return nil
}

func (c *Client) Unsubscribe(topicFilter string) error {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	list := c.hub.subscribers[topicFilter]
	out := list[:0]
	for _, sub := range list {
		if sub != c {
			out = append(out, sub)
		}
	}
	if len(out) == 0 {
		delete(c.hub.subscribers, topicFilter)
	} else {
		c.hub.subscribers[topicFilter] = out
	}
	return nil
}

func (c *Client) End(opts broker.EndOptions) error {
	c.hub.mu.Lock()
	for filter, list := range c.hub.subscribers {
		out := list[:0]
		for _, sub := range list {
			if sub != c {
				out = append(out, sub)
			}
		}
		if len(out) == 0 {
			delete(c.hub.subscribers, filter)
		} else {
			c.hub.subscribers[filter] = out
		}
	}
	c.hub.mu.Unlock()

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.fire(broker.EventEnd, nil)
	return nil
}

// topicMatches tests topic against an MQTT-style filter supporting the
// single-level wildcard "+" and the trailing multi-level wildcard "#".
func topicMatches(filter, topic string) bool {
	fParts := strings.Split(filter, "/")
	tParts := strings.Split(topic, "/")

	for i, fp := range fParts {
		if fp == "#" {
			return true
		}
		if i >= len(tParts) {
			return false
		}
		if fp == "+" {
			continue
		}
		if fp != tParts[i] {
			return false
		}
	}
	return len(fParts) == len(tParts)
}
