//go:build unit

package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Arslan16/Ufanet-autum-practice/relay/backoff"
	"github.com/Arslan16/Ufanet-autum-practice/relay/log"
	"github.com/Arslan16/Ufanet-autum-practice/relay/outbox"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func newTestConsumer(t *testing.T, opener ChannelOpener, opts ...ConsumerOption) *Consumer {
	t.Helper()

	opts = append([]ConsumerOption{
		WithConsumerLogger(log.NewNop()),
		WithReconnectPolicy(backoff.Policy{Base: time.Millisecond, Max: 5 * time.Millisecond}),
	}, opts...)

	consumer, err := NewConsumer(opener, opts...)
	require.NoError(t, err)

	return consumer
}

func delivery(ack amqp.Acknowledger, tag uint64, body string) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  tag,
		MessageId:    "id-" + body,
		Body:         []byte(body),
		Headers:      amqp.Table{"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"},
	}
}

// subscribe runs Subscribe in the background and returns a channel yielding its result.
func subscribe(ctx context.Context, consumer *Consumer, queue string, handler Handler) <-chan error {
	done := make(chan error, 1)

	go func() {
		done <- consumer.Subscribe(ctx, queue, handler)
	}()

	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()

	select {
	case err := <-done:
		return err
	case <-time.After(waitFor):
		t.Fatal("Subscribe did not return")

		return nil
	}
}

func TestNewConsumer_Defaults(t *testing.T) {
	t.Parallel()

	_, err := NewConsumer(nil)
	require.ErrorIs(t, err, ErrOpenerRequired)

	consumer, err := NewConsumer(&fakeOpener{}, WithPrefetch(0), WithHandlerTimeout(-1), WithConsumerTag(" "))
	require.NoError(t, err)
	assert.Equal(t, defaultPrefetch, consumer.prefetch)
	assert.Equal(t, defaultHandlerTimeout, consumer.handlerTimeout)
	assert.Contains(t, consumer.tag, "relay-")
	assert.True(t, consumer.durable)
}

func TestConsumer_SubscribeValidation(t *testing.T) {
	t.Parallel()

	consumer := newTestConsumer(t, &fakeOpener{channels: []*fakeChannel{newFakeChannel()}})

	require.ErrorIs(t, consumer.Subscribe(context.Background(), "q", nil), ErrHandlerRequired)
	require.ErrorIs(t, consumer.Subscribe(context.Background(), " ", func(context.Context, Delivery) error { return nil }), ErrQueueRequired)
}

func TestConsumer_AcksAfterHandlerSuccess(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	consumer := newTestConsumer(t, &fakeOpener{channels: []*fakeChannel{ch}}, WithPrefetch(4), WithConsumerTag("bot"))
	ack := &fakeAcknowledger{}

	var (
		mu       sync.Mutex
		received []Delivery
	)

	done := subscribe(context.Background(), consumer, "database_queries", func(_ context.Context, d Delivery) error {
		mu.Lock()
		defer mu.Unlock()

		received = append(received, d)

		return nil
	})

	ch.deliveries <- delivery(ack, 1, `{"a":1}`)
	ch.deliveries <- delivery(ack, 2, `{"a":2}`)

	require.Eventually(t, func() bool { return len(ack.snapshot()) == 2 }, waitFor, time.Millisecond)

	consumer.Stop()
	require.NoError(t, waitDone(t, done))

	assert.Equal(t, []ackRecord{{tag: 1, ack: true}, {tag: 2, ack: true}}, ack.snapshot())

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, received, 2)
	assert.Equal(t, "id-{\"a\":1}", received[0].MessageID)
	assert.Equal(t, "database_queries", received[0].Queue)
	assert.JSONEq(t, `{"a":1}`, string(received[0].Body))

	assert.Equal(t, "database_queries", ch.lastQueueName)
	assert.Equal(t, 4, ch.prefetch)
	assert.Equal(t, "bot", ch.consumerTag)
	assert.True(t, ch.cancelled)
	assert.True(t, ch.isClosed())
}

func TestConsumer_NacksFailedAndPanickingHandlers(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	consumer := newTestConsumer(t, &fakeOpener{channels: []*fakeChannel{ch}})
	ack := &fakeAcknowledger{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := subscribe(ctx, consumer, "q", func(_ context.Context, d Delivery) error {
		switch string(d.Body) {
		case "fail":
			return errors.New("handler failed")
		case "panic":
			panic("boom")
		case "cancel":
			return outbox.NewError(outbox.KindCancellation, "handle", context.Canceled)
		default:
			return nil
		}
	})

	ch.deliveries <- delivery(ack, 1, "fail")
	ch.deliveries <- delivery(ack, 2, "panic")
	ch.deliveries <- delivery(ack, 3, "cancel")
	ch.deliveries <- delivery(ack, 4, "ok")

	require.Eventually(t, func() bool { return len(ack.snapshot()) == 4 }, waitFor, time.Millisecond)

	cancel()
	require.NoError(t, waitDone(t, done))

	assert.Equal(t, []ackRecord{
		{tag: 1},
		{tag: 2},
		{tag: 3, requeue: true},
		{tag: 4, ack: true},
	}, ack.snapshot())
}

func TestConsumer_HandlerContextOutlivesCancellation(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	consumer := newTestConsumer(t, &fakeOpener{channels: []*fakeChannel{ch}})
	ack := &fakeAcknowledger{}

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	release := make(chan struct{})

	done := subscribe(ctx, consumer, "q", func(handlerCtx context.Context, _ Delivery) error {
		close(started)
		<-release

		return handlerCtx.Err()
	})

	ch.deliveries <- delivery(ack, 1, "slow")
	<-started

	cancel()
	close(release)

	require.NoError(t, waitDone(t, done))
	assert.Equal(t, []ackRecord{{tag: 1, ack: true}}, ack.snapshot())
}

func TestConsumer_ResubscribesWhenStreamCloses(t *testing.T) {
	t.Parallel()

	first := newFakeChannel()
	second := newFakeChannel()
	opener := &fakeOpener{channels: []*fakeChannel{first, second}}
	consumer := newTestConsumer(t, opener)
	ack := &fakeAcknowledger{}

	done := subscribe(context.Background(), consumer, "q", func(context.Context, Delivery) error { return nil })

	require.Eventually(t, func() bool { return opener.callCount() == 1 }, waitFor, time.Millisecond)
	close(first.deliveries)

	require.Eventually(t, func() bool { return opener.callCount() == 2 }, waitFor, time.Millisecond)
	second.deliveries <- delivery(ack, 7, "after-reconnect")

	require.Eventually(t, func() bool { return len(ack.snapshot()) == 1 }, waitFor, time.Millisecond)

	consumer.Stop()
	require.NoError(t, waitDone(t, done))
	assert.True(t, first.isClosed())
}

func TestConsumer_RetriesOpenFailuresUntilStopped(t *testing.T) {
	t.Parallel()

	opener := &fakeOpener{err: errFake}
	consumer := newTestConsumer(t, opener)

	done := subscribe(context.Background(), consumer, "q", func(context.Context, Delivery) error { return nil })

	require.Eventually(t, func() bool { return opener.callCount() >= 3 }, waitFor, time.Millisecond)

	consumer.Stop()
	consumer.Stop()
	require.NoError(t, waitDone(t, done))
}

func TestConsumer_SubscribeTwice(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	consumer := newTestConsumer(t, &fakeOpener{channels: []*fakeChannel{ch}})

	done := subscribe(context.Background(), consumer, "q", func(context.Context, Delivery) error { return nil })

	require.Eventually(t, func() bool {
		consumer.mu.Lock()
		defer consumer.mu.Unlock()

		return consumer.subscribed
	}, waitFor, time.Millisecond)

	require.ErrorIs(t, consumer.Subscribe(context.Background(), "q", func(context.Context, Delivery) error { return nil }), ErrAlreadySubscribed)

	consumer.Stop()
	require.NoError(t, waitDone(t, done))
}

func TestConsumer_DeadLetterOption(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	consumer := newTestConsumer(t, &fakeOpener{channels: []*fakeChannel{ch}},
		WithConsumerQueueArguments(amqp.Table{"x-max-length": int64(100)}),
		WithDeadLetter(WithDLXExchangeName("database_queries.dlx"), WithDLQName("database_queries.dlq")),
	)

	assert.Equal(t, "database_queries.dlx", consumer.queueArgs["x-dead-letter-exchange"])
	assert.Equal(t, int64(100), consumer.queueArgs["x-max-length"])

	done := subscribe(context.Background(), consumer, "database_queries", func(context.Context, Delivery) error { return nil })

	require.Eventually(t, func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()

		return ch.consumerTag != ""
	}, waitFor, time.Millisecond)

	consumer.Stop()
	require.NoError(t, waitDone(t, done))

	assert.Equal(t, 1, ch.exchangeDeclareCount)
	assert.Equal(t, "database_queries.dlx", ch.lastExchangeName)
	assert.Equal(t, 2, ch.queueDeclareCount)
	assert.Equal(t, "database_queries", ch.lastQueueName)
	assert.Equal(t, "database_queries.dlx", ch.lastQueueArgs["x-dead-letter-exchange"])
}
