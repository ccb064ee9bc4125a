// Package agent implements the broker session: connection lifecycle,
// topic scheme, and message routing that glue the wire codec, the class
// registry, and the client/instance tracker into a running RPC endpoint.
//
// A single goroutine drains inbound broker messages one at a time
// (Serve's loop), so dispatch, reply publication, and tracker bookkeeping
// for one message complete before the next is accepted, matching the
// cooperative scheduling model the registry and tracker are built to
// assume.
package agent

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/cybusio/vrpc-agent-go/pkg/broker"
	"github.com/cybusio/vrpc-agent-go/pkg/config"
	"github.com/cybusio/vrpc-agent-go/pkg/envelope"
	"github.com/cybusio/vrpc-agent-go/pkg/hostclass"
	"github.com/cybusio/vrpc-agent-go/pkg/registry"
	"github.com/cybusio/vrpc-agent-go/pkg/tracker"
)

// State is one node of the agent's connection-lifecycle state machine.
type State string

const (
	StateInit         State = "init"
	StateCleaning     State = "cleaning"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateEnding       State = "ending"
	StateEnded        State = "ended"
)

// AgentInfo is the payload of the retained __agentInfo__ document.
type AgentInfo struct {
	Status   string `json:"status"`
	Hostname string `json:"hostname"`
	Version  string `json:"version"`
}

// Stats is a point-in-time operational snapshot.
type Stats struct {
	Classes        int
	Instances      int
	TrackedClients int
}

// Agent maintains one broker session on behalf of a set of registered
// classes.
type Agent struct {
	mu sync.Mutex

	cfg      config.Config
	broker   broker.Client
	registry *registry.Registry
	tracker  *tracker.Tracker
	logger   *slog.Logger

	clientID     string
	hostname     string
	state        State
	reconnecting bool

	inbox  chan broker.Message
	stopCh chan struct{}
}

// New constructs an agent bound to a broker client. The agent does not
// connect until Serve is called.
func New(cfg config.Config, brokerClient broker.Client, logger *slog.Logger) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	clientID := deriveClientID(cfg.Domain, cfg.Agent)
	hostname, _ := os.Hostname()

	a := &Agent{
		cfg:      cfg,
		broker:   brokerClient,
		registry: registry.New(clientID),
		tracker:  tracker.New(),
		logger:   logger,
		clientID: clientID,
		hostname: hostname,
		state:    StateInit,
		inbox:    make(chan broker.Message, 256),
		stopCh:   make(chan struct{}),
	}
	a.registry.OnCallback(a.publishReply)
	return a, nil
}

// deriveClientID produces the stable, collision-resistant client id used
// to key the broker's durable session, so reconnects reuse it.
func deriveClientID(domain, agentName string) string {
	sum := sha1.Sum([]byte(domain + "/" + agentName))
	return "vrpca" + hex.EncodeToString(sum[:])[:16]
}

// Register adds a class to the registry. Call before Serve so the
// class's static topics and initial class-info are set up on connect.
func (a *Agent) Register(name string, class hostclass.Class) {
	a.registry.Register(name, class)
}

// ClientID returns the deterministic broker client id this agent connects
// with.
func (a *Agent) ClientID() string { return a.clientID }

// State returns the current lifecycle state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Stats reports registered classes, live instances, and tracked clients.
func (a *Agent) Stats() Stats {
	classes := a.registry.GetAvailableClasses()
	instances := 0
	for _, c := range classes {
		instances += len(a.registry.GetAvailableInstances(c))
	}
	return Stats{
		Classes:        len(classes),
		Instances:      instances,
		TrackedClients: len(a.tracker.TrackedClients()),
	}
}

func (a *Agent) qos() byte {
	if a.cfg.BestEffort {
		return 0
	}
	return 1
}

func (a *Agent) connectOptions(cleanSession bool) broker.ConnectOptions {
	opts := broker.ConnectOptions{
		BrokerURL:             a.cfg.Broker,
		ClientID:              a.clientID,
		CleanSession:          cleanSession,
		ConnectTimeoutSeconds: 30,
	}
	if a.cfg.Token != "" {
		opts.Username = "__token__"
		opts.Password = a.cfg.Token
	} else {
		opts.Username = a.cfg.Username
		opts.Password = a.cfg.Password
	}
	if !cleanSession {
		payload, _ := json.Marshal(AgentInfo{Status: "offline", Hostname: a.hostname, Version: a.cfg.Version})
		opts.WillTopic = a.topicAgentInfo()
		opts.WillPayload = payload
		opts.WillQoS = a.qos()
		opts.WillRetain = true
	}
	return opts
}

// Serve runs the two-phase connect lifecycle (§4.3): a throwaway
// clean-session connect to discard any stale durable session, then the
// operational persistent-session connect. On return, the agent's message
// loop is running in the background; call End to shut it down.
func (a *Agent) Serve() error {
	a.mu.Lock()
	if a.state != StateInit {
		a.mu.Unlock()
		return fmt.Errorf("agent already started")
	}
	a.state = StateCleaning
	a.mu.Unlock()

	if err := a.broker.Connect(a.connectOptions(true)); err != nil {
		return fmt.Errorf("session cleanup connect: %w", err)
	}
	if err := a.broker.End(broker.EndOptions{}); err != nil {
		a.logger.Warn("session cleanup disconnect failed", "error", err)
	}

	a.setState(StateConnecting)
	a.broker.OnMessage(a.enqueue)
	a.broker.OnEvent(broker.EventReconnect, a.onReconnecting)
	a.broker.OnEvent(broker.EventConnect, a.onBrokerConnect)
	a.broker.OnEvent(broker.EventClose, a.onClose)
	a.broker.OnEvent(broker.EventError, a.onError)

	if err := a.broker.Connect(a.connectOptions(false)); err != nil {
		return fmt.Errorf("operational connect: %w", err)
	}

	if err := a.onInitialConnect(); err != nil {
		return err
	}

	go a.loop()
	return nil
}

// onInitialConnect subscribes the static topics for every registered
// class and publishes the first online agent-info and class-info
// documents. Skipped on reconnect, where the persistent session already
// carries the subscriptions.
func (a *Agent) onInitialConnect() error {
	for _, class := range a.registry.GetAvailableClasses() {
		if err := a.broker.Subscribe(a.topicStaticFilter(class), a.qos()); err != nil {
			return fmt.Errorf("subscribe static topics for %s: %w", class, err)
		}
	}
	if err := a.publishAgentInfo("online"); err != nil {
		return err
	}
	for _, class := range a.registry.GetAvailableClasses() {
		if err := a.publishClassInfo(class); err != nil {
			return err
		}
	}
	a.setState(StateConnected)
	return nil
}

func (a *Agent) onReconnecting(_ error) {
	a.mu.Lock()
	a.reconnecting = true
	a.state = StateReconnecting
	a.mu.Unlock()
	a.logger.Info("broker reconnecting", "agent", a.cfg.Agent)
}

func (a *Agent) onBrokerConnect(_ error) {
	a.mu.Lock()
	wasReconnecting := a.reconnecting
	a.reconnecting = false
	a.mu.Unlock()
	if !wasReconnecting {
		return // the initial connect is handled synchronously by Serve
	}
	if err := a.publishAgentInfo("online"); err != nil {
		a.logger.Warn("failed to republish online status after reconnect", "error", err)
	}
	a.setState(StateConnected)
	a.logger.Info("broker reconnected", "agent", a.cfg.Agent)
}

func (a *Agent) onClose(_ error) {
	a.logger.Warn("broker connection closed", "agent", a.cfg.Agent)
}

func (a *Agent) onError(err error) {
	a.logger.Error("broker connection error", "agent", a.cfg.Agent, "error", err)
}

// End publishes the offline agent-info and, if unregister is set, clears
// all retained state before closing the connection and discarding the
// durable session.
func (a *Agent) End(unregister bool) error {
	a.setState(StateEnding)
	close(a.stopCh)

	if err := a.publishAgentInfo("offline"); err != nil {
		a.logger.Warn("failed to publish offline status", "error", err)
	}
	if unregister {
		if err := a.broker.Publish(a.topicAgentInfo(), nil, broker.PublishOptions{Retain: true}); err != nil {
			a.logger.Warn("failed to clear agent-info", "error", err)
		}
		for _, class := range a.registry.GetAvailableClasses() {
			if err := a.broker.Publish(a.topicClassInfo(class), nil, broker.PublishOptions{Retain: true}); err != nil {
				a.logger.Warn("failed to clear class-info", "class", class, "error", err)
			}
		}
	}

	if err := a.broker.End(broker.EndOptions{}); err != nil {
		a.logger.Warn("disconnect failed", "error", err)
	}
	if err := a.broker.Connect(a.connectOptions(true)); err == nil {
		_ = a.broker.End(broker.EndOptions{})
	}

	a.setState(StateEnded)
	return nil
}

func (a *Agent) loop() {
	for {
		select {
		case msg := <-a.inbox:
			a.handleMessage(msg)
		case <-a.stopCh:
			return
		}
	}
}

func (a *Agent) enqueue(msg broker.Message) {
	select {
	case a.inbox <- msg:
	case <-a.stopCh:
	}
}

func (a *Agent) handleMessage(msg broker.Message) {
	if strings.HasSuffix(msg.Topic, "/__clientInfo__") {
		a.handleClientInfo(msg)
		return
	}
	env, err := envelope.FromJSON(msg.Payload)
	if err != nil {
		a.logger.Warn("failed to parse inbound envelope", "topic", msg.Topic, "error", err)
		return
	}
	a.dispatch(env)
}

// dispatch runs one RPC call through the registry and applies whatever
// tracker side effects its Outcome calls for, honoring the ordering rule:
// the class-info republish for __createNamed__ happens after the reply,
// for __delete__ it happens before.
func (a *Agent) dispatch(env *envelope.Envelope) {
	clientID := clientIDFromSender(env.Sender)
	outcome := a.registry.Call(env, clientID)

	switch {
	case outcome.Deleted:
		a.applyDelete(outcome)
	case outcome.Method == envelope.MethodCreate && outcome.Created:
		a.applyCreate(clientID, outcome)
	case outcome.Method == envelope.MethodCreateNamed:
		if outcome.Created {
			a.subscribeInstance(outcome)
		}
		if !env.HasError() {
			a.applyNamedTrack(clientID, outcome)
		}
	case outcome.Method == envelope.MethodGetNamed && !env.HasError():
		a.applyNamedTrack(clientID, outcome)
	}

	a.publishReply(env)

	if outcome.Method == envelope.MethodCreateNamed && outcome.Created {
		if err := a.publishClassInfo(outcome.ClassName); err != nil {
			a.logger.Warn("republish class-info failed", "class", outcome.ClassName, "error", err)
		}
	}
}

func (a *Agent) subscribeInstance(outcome registry.Outcome) {
	filter := a.topicInstanceFilter(outcome.ClassName, outcome.InstanceID)
	if err := a.broker.Subscribe(filter, a.qos()); err != nil {
		a.logger.Warn("subscribe instance topic failed", "instance", outcome.InstanceID, "error", err)
	}
}

func (a *Agent) applyCreate(clientID string, outcome registry.Outcome) {
	a.subscribeInstance(outcome)
	if newClient := a.tracker.TrackAnonymous(clientID, outcome.InstanceID); newClient {
		if err := a.broker.Subscribe(a.topicClientInfo(clientID), a.qos()); err != nil {
			a.logger.Warn("subscribe client-info failed", "client", clientID, "error", err)
		}
	}
}

func (a *Agent) applyNamedTrack(clientID string, outcome registry.Outcome) {
	if newClient := a.tracker.TrackNamed(clientID, outcome.InstanceID); newClient {
		if err := a.broker.Subscribe(a.topicClientInfo(clientID), a.qos()); err != nil {
			a.logger.Warn("subscribe client-info failed", "client", clientID, "error", err)
		}
	}
}

func (a *Agent) applyDelete(outcome registry.Outcome) {
	filter := a.topicInstanceFilter(outcome.ClassName, outcome.InstanceID)
	if err := a.broker.Unsubscribe(filter); err != nil {
		a.logger.Warn("unsubscribe instance topic failed", "instance", outcome.InstanceID, "error", err)
	}

	for _, clientID := range a.tracker.Untrack(outcome.InstanceID) {
		if err := a.broker.Unsubscribe(a.topicClientInfo(clientID)); err != nil {
			a.logger.Warn("unsubscribe client-info failed", "client", clientID, "error", err)
		}
		a.tracker.ForgetClient(clientID)
	}

	if outcome.Named {
		if err := a.publishClassInfo(outcome.ClassName); err != nil {
			a.logger.Warn("republish class-info failed", "class", outcome.ClassName, "error", err)
		}
	}
}

type clientInfoPayload struct {
	Status string `json:"status"`
}

func (a *Agent) handleClientInfo(msg broker.Message) {
	clientID := strings.TrimSuffix(msg.Topic, "/__clientInfo__")
	var info clientInfoPayload
	if err := json.Unmarshal(msg.Payload, &info); err != nil {
		a.logger.Warn("malformed client-info message", "topic", msg.Topic, "error", err)
		return
	}
	if info.Status != "offline" {
		return
	}
	a.handleClientOffline(clientID)
}

// handleClientOffline garbage-collects every anonymous instance owned by
// clientID, drops its event listeners, and releases its __clientInfo__
// subscription.
func (a *Agent) handleClientOffline(clientID string) {
	for _, instanceID := range a.tracker.AnonymousInstances(clientID) {
		className, ok := a.registry.ClassNameOf(instanceID)
		if !ok {
			continue
		}
		env := envelope.New(className, envelope.MethodDelete, "", "")
		env.SetArg(1, instanceID)
		outcome := a.registry.Call(env, clientID)
		if outcome.Deleted {
			a.applyDelete(outcome)
			a.logger.Info("garbage collected anonymous instance", "client", clientID, "instance", instanceID)
		} else if env.HasError() {
			a.logger.Warn("failed to garbage collect instance", "client", clientID, "instance", instanceID, "error", env.Error())
		}
	}

	a.registry.UnregisterEventListeners(clientID)
	if err := a.broker.Unsubscribe(a.topicClientInfo(clientID)); err != nil {
		a.logger.Warn("unsubscribe client-info failed", "client", clientID, "error", err)
	}
	a.tracker.ForgetClient(clientID)
}

func (a *Agent) publishReply(env *envelope.Envelope) {
	if env.Sender == "" {
		return
	}
	payload, err := env.ToJSON()
	if err != nil {
		a.logger.Error("failed to encode reply envelope", "error", err)
		return
	}
	if err := a.broker.Publish(env.Sender, payload, broker.PublishOptions{QoS: a.qos()}); err != nil {
		a.logger.Warn("publish reply failed", "sender", env.Sender, "error", err)
	}
}

func (a *Agent) publishAgentInfo(status string) error {
	payload, err := json.Marshal(AgentInfo{Status: status, Hostname: a.hostname, Version: a.cfg.Version})
	if err != nil {
		return fmt.Errorf("encode agent-info: %w", err)
	}
	if err := a.broker.Publish(a.topicAgentInfo(), payload, broker.PublishOptions{QoS: a.qos(), Retain: true}); err != nil {
		return fmt.Errorf("publish agent-info: %w", err)
	}
	return nil
}

func (a *Agent) publishClassInfo(class string) error {
	doc := a.registry.ClassInfoDoc(class)
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode class-info for %s: %w", class, err)
	}
	if err := a.broker.Publish(a.topicClassInfo(class), payload, broker.PublishOptions{QoS: a.qos(), Retain: true}); err != nil {
		return fmt.Errorf("publish class-info for %s: %w", class, err)
	}
	return nil
}

func clientIDFromSender(sender string) string {
	if i := strings.IndexByte(sender, '/'); i >= 0 {
		return sender[:i]
	}
	return sender
}

func (a *Agent) topicAgentInfo() string {
	return fmt.Sprintf("%s/%s/__agentInfo__", a.cfg.Domain, a.cfg.Agent)
}

func (a *Agent) topicClassInfo(class string) string {
	return fmt.Sprintf("%s/%s/%s/__classInfo__", a.cfg.Domain, a.cfg.Agent, class)
}

func (a *Agent) topicStaticFilter(class string) string {
	return fmt.Sprintf("%s/%s/%s/__static__/+", a.cfg.Domain, a.cfg.Agent, class)
}

func (a *Agent) topicInstanceFilter(class, instance string) string {
	return fmt.Sprintf("%s/%s/%s/%s/+", a.cfg.Domain, a.cfg.Agent, class, instance)
}

func (a *Agent) topicClientInfo(clientID string) string {
	return fmt.Sprintf("%s/__clientInfo__", clientID)
}
