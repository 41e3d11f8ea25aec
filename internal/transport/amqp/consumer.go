// Package amqp feeds dispatch jobs from a RabbitMQ queue into the job
// host. Messages carrying a ReplyTo get the Result published back under
// the same CorrelationId.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"marybot/internal/dispatch"
	"marybot/internal/host"
	rtsup "marybot/internal/runtime/supervisor"
	logx "marybot/pkg/logx"
)

// Submitter is the part of *host.Host the consumer drives.
type Submitter interface {
	Submit(ctx context.Context, req host.Request) (dispatch.Result, error)
}

// Channel is the subset of *amqp.Channel the consumer uses.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Connection is the subset of *amqp.Connection the consumer uses.
type Connection interface {
	Channel() (Channel, error)
	Close() error
}

type Dialer func(url string) (Connection, error)

type Config struct {
	URL   string
	Queue string
	// DeadLetterQueue receives undecodable messages when set.
	DeadLetterQueue string
	Prefetch        int
	SubmitTimeout   time.Duration
}

type Consumer struct {
	mu  sync.Mutex
	cfg Config
	sub Submitter
	log logx.Logger

	dial Dialer
	sup  *rtsup.Supervisor
}

type Option func(*Consumer)

// WithDialer replaces amqp.Dial.
func WithDialer(d Dialer) Option {
	return func(c *Consumer) { c.dial = d }
}

func New(cfg Config, sub Submitter, log logx.Logger, opts ...Option) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 8
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = time.Minute
	}
	c := &Consumer{
		cfg:  cfg,
		sub:  sub,
		log:  log.With(logx.Component("amqp")),
		dial: dialAMQP,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start consumes in the background, reconnecting with backoff whenever
// the broker connection drops.
func (c *Consumer) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sup != nil {
		return
	}
	c.sup = rtsup.New(ctx,
		rtsup.WithLogger(c.log),
		rtsup.WithCancelOnError(false),
	)
	c.sup.GoRestart("amqp.consume", c.consumeOnce,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
	)
}

// Stop cancels consumption and waits for in-flight messages until ctx
// ends. Unacked messages are redelivered by the broker.
func (c *Consumer) Stop(ctx context.Context) {
	c.mu.Lock()
	sup := c.sup
	c.sup = nil
	c.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
	c.log.Info("amqp consumer stopped")
}

func (c *Consumer) Supervisor() *rtsup.Supervisor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sup
}

// consumeOnce runs one connection lifetime. Any return other than
// context.Canceled makes the supervisor reconnect.
func (c *Consumer) consumeOnce(ctx context.Context) error {
	conn, err := c.dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("amqp qos: %w", err)
	}
	var args amqp.Table
	if c.cfg.DeadLetterQueue != "" {
		if _, err := ch.QueueDeclare(c.cfg.DeadLetterQueue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("amqp declare dlq: %w", err)
		}
		args = amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": c.cfg.DeadLetterQueue,
		}
	}
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("amqp declare queue: %w", err)
	}
	msgs, err := ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp consume: %w", err)
	}
	c.log.Info("amqp consumer started", logx.String("queue", c.cfg.Queue), logx.Int("prefetch", c.cfg.Prefetch))

	var wg sync.WaitGroup
	defer wg.Wait()
	sem := make(chan struct{}, c.cfg.Prefetch)
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("amqp delivery channel closed")
			}
			sem <- struct{}{}
			wg.Add(1)
			go func() {
				defer func() { <-sem; wg.Done() }()
				c.handle(ctx, ch, msg)
			}()
		}
	}
}

// handle settles one delivery. Undecodable bodies are dead-lettered and
// host refusals (queue full, stopping) are requeued. A job the host
// accepted is always acked, even when its result came too late.
func (c *Consumer) handle(ctx context.Context, ch Channel, msg amqp.Delivery) {
	var req host.Request
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		c.log.Warn("undecodable message dropped", logx.String("message_id", msg.MessageId), logx.Err(err))
		_ = msg.Nack(false, false)
		return
	}
	req.Source = host.SourceAMQP

	sctx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
	res, err := c.sub.Submit(sctx, req)
	cancel()
	switch {
	case errors.Is(err, host.ErrResultTimeout):
		// Accepted: the host owns the job now and a redelivery would run
		// it twice. Nobody gets a reply.
		c.log.Warn("result not awaited; message acked",
			logx.String("message_id", msg.MessageId),
			logx.Duration("timeout", c.cfg.SubmitTimeout),
		)
		_ = msg.Ack(false)
		return
	case err != nil:
		c.log.Warn("message requeued", logx.String("message_id", msg.MessageId), logx.Err(err))
		_ = msg.Nack(false, true)
		return
	}

	if msg.ReplyTo != "" {
		body, err := json.Marshal(res)
		if err == nil {
			err = ch.Publish("", msg.ReplyTo, false, false, amqp.Publishing{
				ContentType:   "application/json",
				CorrelationId: msg.CorrelationId,
				Timestamp:     res.Timestamp,
				Body:          body,
			})
		}
		if err != nil {
			c.log.Warn("reply not published", logx.String("reply_to", msg.ReplyTo), logx.Err(err))
		}
	}
	_ = msg.Ack(false)
}

type amqpConn struct{ *amqp.Connection }

func (c amqpConn) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func dialAMQP(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConn{conn}, nil
}
