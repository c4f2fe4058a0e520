package mqtt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/sweeney/tank-sensor/internal/log"
	"github.com/sweeney/tank-sensor/internal/logic"
	"github.com/sweeney/tank-sensor/internal/telemetry"
)

// DefaultBufferSize is how many events are held for replay while offline.
const DefaultBufferSize = 256

// ErrPublishTimeout is returned when the broker does not acknowledge in time.
// The message stays queued for replay.
var ErrPublishTimeout = errors.New("publish timeout")

var errOffline = errors.New("not connected")

// client is the subset of paho.Client used by RealPublisher.
type client interface {
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

// RealPublisher publishes to an actual MQTT broker. Events and system
// messages published while disconnected are queued and replayed, oldest
// first, when the connection comes back.
type RealPublisher struct {
	client  client
	timeout time.Duration
	now     func() time.Time

	mu        sync.Mutex
	outbox    *outbox
	connected bool // at least one connection has been made
}

// NewRealPublisher creates a publisher for the given broker. It does not wait
// for the connection: paho keeps retrying in the background and anything
// published meanwhile is queued.
func NewRealPublisher(broker, clientID string, now func() time.Time) *RealPublisher {
	p := newPublisher(nil, now)

	will, _ := FormatSystemPayload(WillEvent(now()))
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetBinaryWill(TopicSystem, will, 1, true).
		SetOnConnectHandler(func(paho.Client) { go p.onConnect() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Warnf("mqtt: connection lost: %v", err)
		})

	c := paho.NewClient(opts)
	p.client = c
	c.Connect()
	return p
}

func newPublisher(c client, now func() time.Time) *RealPublisher {
	return &RealPublisher{
		client:  c,
		timeout: 5 * time.Second,
		now:     now,
		outbox:  newOutbox(DefaultBufferSize),
	}
}

// onConnect replays queued messages. After a reconnect it also announces
// RECONNECTED.
func (p *RealPublisher) onConnect() {
	p.mu.Lock()
	reconnect := p.connected
	p.connected = true
	pending := p.outbox.take()
	p.mu.Unlock()

	log.Infof("mqtt: connected, replaying %d queued messages", len(pending))
	for i, msg := range pending {
		if err := p.send(msg, false); err != nil {
			log.Warnf("mqtt: replay failed: %v", err)
			p.mu.Lock()
			p.outbox.restore(pending[i:])
			p.mu.Unlock()
			return
		}
	}

	if reconnect {
		if err := p.PublishSystem(SystemEvent{Timestamp: p.now(), Event: "RECONNECTED"}); err != nil {
			log.Warnf("mqtt: reconnect announcement failed: %v", err)
		}
	}
}

func (p *RealPublisher) enqueue(msg message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outbox.add(msg)
}

// send publishes msg. When queue is set, a message that cannot be delivered
// now is kept for replay and an offline broker is not an error.
func (p *RealPublisher) send(msg message, queue bool) error {
	if !p.client.IsConnectionOpen() {
		if queue {
			p.enqueue(msg)
			return nil
		}
		return errOffline
	}

	token := p.client.Publish(msg.topic, msg.qos, msg.retained, msg.payload)
	if !token.WaitTimeout(p.timeout) {
		if queue {
			p.enqueue(msg)
		}
		return fmt.Errorf("%s: %w", msg.topic, ErrPublishTimeout)
	}
	if err := token.Error(); err != nil {
		if queue {
			p.enqueue(msg)
		}
		return fmt.Errorf("publish %s: %w", msg.topic, err)
	}
	return nil
}

// Publish sends a status-change event to the MQTT broker.
func (p *RealPublisher) Publish(event logic.Event) error {
	payload, err := FormatPayload(event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	return p.send(message{topic: Topic, payload: payload, qos: 1}, true)
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return p.send(message{topic: TopicSystem, payload: payload, qos: 1, retained: event.Retained}, true)
}

// Report publishes a telemetry record at QoS 0. Records produced while
// offline are dropped; the next one supersedes them anyway.
func (p *RealPublisher) Report(rec telemetry.Record) error {
	payload, err := FormatTelemetry(rec)
	if err != nil {
		return fmt.Errorf("format telemetry: %w", err)
	}
	if err := p.send(message{topic: TopicTelemetry, payload: payload}, false); err != nil && !errors.Is(err, errOffline) {
		return err
	}
	return nil
}

// IsConnected reports whether the broker connection is currently open.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Queued returns the number of messages waiting for replay and the number
// dropped because the queue was full.
func (p *RealPublisher) Queued() (pending int, dropped uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outbox.size(), p.outbox.dropped
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
