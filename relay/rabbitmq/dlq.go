package rabbitmq

import (
	"fmt"
	"time"

	"github.com/Arslan16/Ufanet-autum-practice/relay/internal/nilcheck"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultDLXExchangeName = "outbox.dlx"
	defaultDLQName         = "outbox.dlq"
)

// DeadLetterTopology names the exchange and queue that collect deliveries the
// notifier could not handle. The exchange is a fanout so every rejected
// message lands in the one queue regardless of its original routing key.
type DeadLetterTopology struct {
	Exchange   string
	Queue      string
	MessageTTL time.Duration
	MaxLength  int64
}

// DLQOption adjusts a DeadLetterTopology. Zero values keep the default.
type DLQOption func(*DeadLetterTopology)

func WithDLXExchangeName(name string) DLQOption {
	return func(t *DeadLetterTopology) {
		if name != "" {
			t.Exchange = name
		}
	}
}

func WithDLQName(name string) DLQOption {
	return func(t *DeadLetterTopology) {
		if name != "" {
			t.Queue = name
		}
	}
}

// WithDLQMessageTTL expires dead letters after ttl.
func WithDLQMessageTTL(ttl time.Duration) DLQOption {
	return func(t *DeadLetterTopology) {
		if ttl > 0 {
			t.MessageTTL = ttl
		}
	}
}

// WithDLQMaxLength caps the dead-letter queue; RabbitMQ drops the oldest beyond it.
func WithDLQMaxLength(n int64) DLQOption {
	return func(t *DeadLetterTopology) {
		if n > 0 {
			t.MaxLength = n
		}
	}
}

func newDeadLetterTopology(opts ...DLQOption) DeadLetterTopology {
	t := DeadLetterTopology{Exchange: defaultDLXExchangeName, Queue: defaultDLQName}

	for _, opt := range opts {
		if opt != nil {
			opt(&t)
		}
	}

	return t
}

// queueArgs returns nil when no limit is configured so the declaration stays
// compatible with queues declared by older deployments.
func (t DeadLetterTopology) queueArgs() amqp.Table {
	if t.MessageTTL <= 0 && t.MaxLength <= 0 {
		return nil
	}

	args := amqp.Table{}

	if t.MessageTTL > 0 {
		args["x-message-ttl"] = max(t.MessageTTL.Milliseconds(), 1)
	}

	if t.MaxLength > 0 {
		args["x-max-length"] = t.MaxLength
	}

	return args
}

// Declare creates the fanout exchange and the durable queue and binds them.
func (t DeadLetterTopology) Declare(ch TopologyChannel) error {
	if nilcheck.Interface(ch) {
		return fmt.Errorf("declare dlq topology: %w", ErrChannelRequired)
	}

	if err := ch.ExchangeDeclare(t.Exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx exchange %q: %w", t.Exchange, err)
	}

	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, t.queueArgs()); err != nil {
		return fmt.Errorf("declare dlq queue %q: %w", t.Queue, err)
	}

	if err := ch.QueueBind(t.Queue, "", t.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind dlq to dlx: %w", err)
	}

	return nil
}

// DeclareDLQTopology declares the default topology adjusted by opts.
func DeclareDLQTopology(ch TopologyChannel, opts ...DLQOption) error {
	return newDeadLetterTopology(opts...).Declare(ch)
}

// DeadLetterArgs returns the queue arguments that route rejected deliveries to
// exchange (the default when empty). Publisher and consumer declare the same
// queue, so both must pass identical arguments.
func DeadLetterArgs(exchange string) amqp.Table {
	if exchange == "" {
		exchange = defaultDLXExchangeName
	}

	return amqp.Table{"x-dead-letter-exchange": exchange}
}
