// Package pubsub carries queue jobs over Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/JakeFAU/qa-scanner/internal/qa"
	"github.com/JakeFAU/qa-scanner/internal/queue"
)

// Topic publishes a message and returns its server ID.
type Topic interface {
	Publish(ctx context.Context, msg *pubsub.Message) (string, error)
}

// Subscription streams messages to f until ctx ends.
type Subscription interface {
	Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error
}

// Broker implements queue.Broker on a topic and a subscription. Priority is carried as an
// attribute only; Pub/Sub delivers in its own order.
type Broker struct {
	topic  Topic
	sub    Subscription
	logger *zap.Logger

	deliveries chan queue.Delivery
	recvErr    chan error

	startOnce sync.Once
	closeOnce sync.Once
	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	closed    chan struct{}
}

// Config names the Pub/Sub resources.
type Config struct {
	ProjectID      string `mapstructure:"project_id"`
	TopicID        string `mapstructure:"topic_id"`
	SubscriptionID string `mapstructure:"subscription_id"`
	// MaxOutstanding bounds unacknowledged messages held by this process.
	MaxOutstanding int `mapstructure:"max_outstanding"`
}

// Dial connects to Pub/Sub with Application Default Credentials, checks the topic is active
// and returns a Broker with the client it owns.
func Dial(ctx context.Context, cfg Config, logger *zap.Logger) (*Broker, *pubsub.Client, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topicName := fmt.Sprintf("projects/%s/topics/%s", cfg.ProjectID, cfg.TopicID)
	topic, err := client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: topicName})
	if err == nil && topic.GetState() != pubsubpb.Topic_ACTIVE {
		err = fmt.Errorf("topic %s is %s", topicName, topic.GetState())
	}
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("close pubsub client after topic lookup failed", zap.Error(closeErr))
		}
		return nil, nil, fmt.Errorf("get pubsub topic %q: %w", cfg.TopicID, err)
	}

	publisher := client.Publisher(cfg.TopicID)
	subscriber := client.Subscriber(cfg.SubscriptionID)
	if cfg.MaxOutstanding > 0 {
		subscriber.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
	}
	return New(&publisherTopic{publisher: publisher}, subscriber, logger), client, nil
}

// New builds a Broker over an existing topic and subscription.
func New(topic Topic, sub Subscription, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		topic:      topic,
		sub:        sub,
		logger:     logger,
		deliveries: make(chan queue.Delivery),
		recvErr:    make(chan error, 1),
		done:       make(chan struct{}),
		closed:     make(chan struct{}),
	}
}

// Publish marshals job to JSON and publishes it with the trace context in its attributes.
func (b *Broker) Publish(ctx context.Context, job queue.Job) error {
	select {
	case <-b.closed:
		return fmt.Errorf("publish %s: %w", job.ID, qa.ErrClosed)
	default:
	}
	if b.topic == nil {
		return fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"job_id":   job.ID,
			"kind":     string(job.Payload.Kind),
			"priority": strconv.Itoa(job.Priority),
		},
	}
	otel.GetTextMapPropagator().Inject(ctx, &attributeCarrier{attrs: msg.Attributes})

	id, err := b.topic.Publish(ctx, msg)
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	b.logger.Debug("job published", zap.String("job_id", job.ID), zap.String("message_id", id))
	return nil
}

// Receive returns the next decoded job. The first call starts the streaming pull.
func (b *Broker) Receive(ctx context.Context) (queue.Delivery, error) {
	b.startOnce.Do(b.start)
	select {
	case d := <-b.deliveries:
		return d, nil
	case err := <-b.recvErr:
		return queue.Delivery{}, fmt.Errorf("pubsub receive: %w", err)
	case <-ctx.Done():
		return queue.Delivery{}, fmt.Errorf("receive canceled: %w", ctx.Err())
	case <-b.closed:
		return queue.Delivery{}, qa.ErrClosed
	}
}

// Close stops the pull and the publisher. It is safe to call twice.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		close(b.closed)
		cancel := b.cancel
		b.mu.Unlock()
		if cancel != nil {
			cancel()
			<-b.done
		}
		if s, ok := b.topic.(interface{ Stop() }); ok {
			s.Stop()
		}
	})
	return nil
}

func (b *Broker) start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.closed:
		return
	default:
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go func() {
		defer close(b.done)
		err := b.sub.Receive(ctx, b.handle)
		if err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Error("pubsub receive stopped", zap.Error(err))
			b.recvErr <- err
		}
	}()
}

// handle hands one message to a consumer and blocks until it is acked or nacked so the
// subscription's flow control tracks in-flight jobs.
func (b *Broker) handle(ctx context.Context, msg *pubsub.Message) {
	var job queue.Job
	if err := json.Unmarshal(msg.Data, &job); err != nil || job.ID == "" {
		b.logger.Warn("dropping malformed job message", zap.String("message_id", msg.ID), zap.Error(err))
		msg.Ack()
		return
	}

	settled := make(chan struct{})
	var once sync.Once
	settle := func(fn func()) func() {
		return func() {
			once.Do(func() {
				fn()
				close(settled)
			})
		}
	}
	d := queue.NewDelivery(job, msg.Attributes, settle(msg.Ack), settle(msg.Nack))

	select {
	case b.deliveries <- d:
	case <-ctx.Done():
		msg.Nack()
		return
	}
	select {
	case <-settled:
	case <-ctx.Done():
	}
}

type publisherTopic struct {
	publisher *pubsub.Publisher
}

func (t *publisherTopic) Publish(ctx context.Context, msg *pubsub.Message) (string, error) {
	return t.publisher.Publish(ctx, msg).Get(ctx)
}

func (t *publisherTopic) Stop() {
	t.publisher.Stop()
}

// attributeCarrier implements propagation.TextMapCarrier for message attributes.
type attributeCarrier struct {
	attrs map[string]string
}

func (c *attributeCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *attributeCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *attributeCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
