package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/i474232898/airquality-backfill/internal/airquality"
	"github.com/i474232898/airquality-backfill/internal/metrics"
)

// ErrPublisherClosed is returned by Publish after Shutdown.
var ErrPublisherClosed = errors.New("publisher closed")

// qosExactlyOnce is MQTT QoS 2.
const qosExactlyOnce byte = 2

// Config holds the broker and publishing settings.
type Config struct {
	Broker   string
	Port     int
	Username string
	Password string
	ClientID string

	// BaseTopic is joined with the station id to form the publish topic.
	BaseTopic string

	QueueSize      int
	PublishTimeout time.Duration
}

// pahoClient is the subset of mqtt.Client the publisher relies on.
type pahoClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
}

// Publisher sends outbound messages to the broker from a single worker
// goroutine fed by a bounded queue. It implements airquality.Publisher.
type Publisher struct {
	client pahoClient
	cfg    Config
	logger *slog.Logger

	connMu    sync.RWMutex
	connected bool

	// mu guards closed and the queue close.
	mu     sync.RWMutex
	closed bool

	queue    chan airquality.OutboundMessage
	done     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once

	// packetCount is only touched by the worker.
	packetCount int
}

var _ airquality.Publisher = (*Publisher)(nil)

// NewPublisher builds the paho client and starts the publish worker. It does
// not connect; call Connect before publishing.
func NewPublisher(cfg Config, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := newPublisher(nil, cfg, logger)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		logger.Info("authenticating mqtt connection", "username", cfg.Username)
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	} else {
		logger.Info("using no authentication on mqtt connection")
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		p.setConnected(true)
		logger.Info("mqtt connected", "broker", cfg.Broker, "port", cfg.Port)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.setConnected(false)
		logger.Warn("mqtt connection lost", "broker", cfg.Broker, "port", cfg.Port, "error", err)
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		logger.Info("mqtt reconnecting", "broker", cfg.Broker, "port", cfg.Port)
	})

	p.client = mqtt.NewClient(opts)
	p.start()
	return p
}

func newPublisher(client pahoClient, cfg Config, logger *slog.Logger) *Publisher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	return &Publisher{
		client: client,
		cfg:    cfg,
		logger: logger,
		queue:  make(chan airquality.OutboundMessage, cfg.QueueSize),
		done:   make(chan struct{}),
		stopCh: make(chan struct{}),
	}
}

func (p *Publisher) start() {
	go p.run()
}

// Connect waits for the initial broker connection, honouring ctx and Shutdown.
func (p *Publisher) Connect(ctx context.Context) error {
	select {
	case <-p.stopCh:
		return ErrPublisherClosed
	default:
	}

	if p.IsConnected() {
		return nil
	}

	token := p.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return ErrPublisherClosed
		default:
		}
	}
}

// Topic returns the topic messages for station are published to.
func (p *Publisher) Topic(station string) string {
	return p.cfg.BaseTopic + "/" + station
}

// Publish enqueues msg for the worker. It blocks while the queue is full.
func (p *Publisher) Publish(msg airquality.OutboundMessage) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}
	p.queue <- msg
	metrics.SetQueueDepth(len(p.queue))
	return nil
}

// Shutdown stops accepting messages, waits for the worker to drain the queue
// and disconnects from the broker. It is safe to call more than once.
func (p *Publisher) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
	})

	var err error
	select {
	case <-p.done:
	case <-ctx.Done():
		err = fmt.Errorf("drain publish queue: %w", ctx.Err())
	}

	if p.client != nil {
		p.client.Disconnect(250)
	}
	p.setConnected(false)
	p.logger.Info("mqtt disconnected")
	return err
}

// IsConnected reports whether the broker connection is up.
func (p *Publisher) IsConnected() bool {
	p.connMu.RLock()
	connected := p.connected
	p.connMu.RUnlock()
	return connected && p.client.IsConnected()
}

func (p *Publisher) run() {
	defer close(p.done)
	for msg := range p.queue {
		metrics.SetQueueDepth(len(p.queue))
		if err := p.send(msg); err != nil {
			p.logger.Error("mqtt publish failed", "node_id", msg.NodeID, "timestamp", msg.Timestamp, "error", err)
			metrics.IncPublish(false)
			continue
		}
		metrics.IncPublish(true)
	}
}

func (p *Publisher) send(msg airquality.OutboundMessage) error {
	p.packetCount++
	msg.Tele.PacketCount = p.packetCount

	data, err := json.MarshalIndent(msg, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	topic := p.Topic(msg.NodeID)
	token := p.client.Publish(topic, qosExactlyOnce, false, data)
	if !token.WaitTimeout(p.cfg.PublishTimeout) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	p.logger.Debug("published message", "topic", topic, "packet_count", msg.Tele.PacketCount, "timestamp", msg.Timestamp)
	return nil
}

func (p *Publisher) setConnected(v bool) {
	p.connMu.Lock()
	p.connected = v
	p.connMu.Unlock()
}
