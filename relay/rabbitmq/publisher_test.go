//go:build unit

package rabbitmq

import (
	"context"
	"testing"
	"time"

	"github.com/Arslan16/Ufanet-autum-practice/relay/circuitbreaker"
	"github.com/Arslan16/Ufanet-autum-practice/relay/log"
	"github.com/Arslan16/Ufanet-autum-practice/relay/outbox"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPublisher(t *testing.T, opener ChannelOpener, opts ...PublisherOption) *Publisher {
	t.Helper()

	opts = append([]PublisherOption{WithPublisherLogger(log.NewNop())}, opts...)

	publisher, err := NewPublisher(opener, opts...)
	require.NoError(t, err)

	return publisher
}

func testMessage(queue string) outbox.Message {
	return outbox.Message{
		Queue:     queue,
		Body:      []byte(`{"action":"select"}`),
		MessageID: "42",
		Durable:   true,
		Headers:   map[string]any{outbox.RecordIDHeader: "42"},
	}
}

func TestNewPublisher_RequiresOpener(t *testing.T) {
	t.Parallel()

	publisher, err := NewPublisher(nil)
	require.Nil(t, publisher)
	require.ErrorIs(t, err, ErrOpenerRequired)

	var opener *fakeOpener

	publisher, err = NewPublisher(opener)
	require.Nil(t, publisher)
	require.ErrorIs(t, err, ErrOpenerRequired)
}

func TestPublisher_PublishConfirmed(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	opener := &fakeOpener{channels: []*fakeChannel{ch}}
	publisher := newTestPublisher(t, opener, WithQueueArguments(DeadLetterArgs("")))

	require.NoError(t, publisher.Publish(context.Background(), testMessage("database_queries")))
	require.NoError(t, publisher.Publish(context.Background(), testMessage("database_queries")))

	assert.Equal(t, 1, opener.callCount())
	assert.Equal(t, 1, ch.queueDeclareCount)
	assert.Equal(t, "database_queries", ch.lastQueueName)
	assert.Equal(t, defaultDLXExchangeName, ch.lastQueueArgs["x-dead-letter-exchange"])

	require.Equal(t, 2, ch.publishedCount())
	published := ch.published[0]
	assert.Equal(t, "database_queries", ch.routingKeys[0])
	assert.Equal(t, amqp.Persistent, published.DeliveryMode)
	assert.Equal(t, "42", published.MessageId)
	assert.Equal(t, "application/json", published.ContentType)
	assert.Equal(t, "42", published.Headers[outbox.RecordIDHeader])
	assert.JSONEq(t, `{"action":"select"}`, string(published.Body))
}

func TestPublisher_TransientWhenNotDurable(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	publisher := newTestPublisher(t, &fakeOpener{channels: []*fakeChannel{ch}})

	msg := testMessage("q")
	msg.Durable = false

	require.NoError(t, publisher.Publish(context.Background(), msg))
	assert.Equal(t, amqp.Transient, ch.published[0].DeliveryMode)
}

func TestPublisher_FailuresAreTransportErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		setup   func(ch *fakeChannel, opener *fakeOpener)
		opts    []PublisherOption
		wantErr error
	}{
		{
			name:    "nack",
			setup:   func(ch *fakeChannel, _ *fakeOpener) { ch.nackPublishes = true },
			wantErr: ErrPublishNacked,
		},
		{
			name:    "confirm timeout",
			setup:   func(ch *fakeChannel, _ *fakeOpener) { ch.withholdConfirms = true },
			opts:    []PublisherOption{WithConfirmTimeout(10 * time.Millisecond)},
			wantErr: ErrConfirmTimeout,
		},
		{
			name:    "publish error",
			setup:   func(ch *fakeChannel, _ *fakeOpener) { ch.publishErr = errFake },
			wantErr: errFake,
		},
		{
			name:    "declare error",
			setup:   func(ch *fakeChannel, _ *fakeOpener) { ch.queueErr = errFake },
			wantErr: errFake,
		},
		{
			name:    "confirm mode unavailable",
			setup:   func(ch *fakeChannel, _ *fakeOpener) { ch.confirmErr = errFake },
			wantErr: errFake,
		},
		{
			name:    "opener error",
			setup:   func(_ *fakeChannel, opener *fakeOpener) { opener.err = errFake },
			wantErr: errFake,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ch := newFakeChannel()
			opener := &fakeOpener{channels: []*fakeChannel{ch}}
			tt.setup(ch, opener)

			publisher := newTestPublisher(t, opener, tt.opts...)

			err := publisher.Publish(context.Background(), testMessage("q"))
			require.ErrorIs(t, err, tt.wantErr)
			assert.True(t, outbox.IsKind(err, outbox.KindTransport))
			assert.Nil(t, publisher.ch)
		})
	}
}

func TestPublisher_ReopensChannelAfterFailure(t *testing.T) {
	t.Parallel()

	broken := newFakeChannel()
	broken.nackPublishes = true
	healthy := newFakeChannel()

	opener := &fakeOpener{channels: []*fakeChannel{broken, healthy}}
	publisher := newTestPublisher(t, opener)

	require.Error(t, publisher.Publish(context.Background(), testMessage("q")))
	assert.True(t, broken.isClosed())

	require.NoError(t, publisher.Publish(context.Background(), testMessage("q")))
	assert.Equal(t, 2, opener.callCount())
	assert.Equal(t, 1, healthy.queueDeclareCount)
}

func TestPublisher_BrokerCloseDuringConfirm(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	ch.withholdConfirms = true
	publisher := newTestPublisher(t, &fakeOpener{channels: []*fakeChannel{ch}})

	go func() {
		assert.Eventually(t, func() bool { return ch.publishedCount() == 1 }, time.Second, time.Millisecond)

		ch.mu.Lock()
		notify := ch.closeNotify
		ch.mu.Unlock()

		notify <- &amqp.Error{Code: amqp.ChannelError, Reason: "channel closed"}
	}()

	err := publisher.Publish(context.Background(), testMessage("q"))
	require.ErrorIs(t, err, ErrChannelClosed)
}

func TestPublisher_CancelledContext(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	ch.withholdConfirms = true
	publisher := newTestPublisher(t, &fakeOpener{channels: []*fakeChannel{ch}})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := publisher.Publish(ctx, testMessage("q"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, outbox.IsKind(err, outbox.KindTransport))
}

func TestPublisher_Validation(t *testing.T) {
	t.Parallel()

	publisher := newTestPublisher(t, &fakeOpener{channels: []*fakeChannel{newFakeChannel()}})

	err := publisher.Publish(context.Background(), testMessage("  "))
	require.ErrorIs(t, err, ErrQueueRequired)

	var nilPublisher *Publisher

	err = nilPublisher.Publish(context.Background(), testMessage("q"))
	require.ErrorIs(t, err, ErrPublisherClosed)
	require.NoError(t, nilPublisher.Close())
}

func TestPublisher_Close(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	publisher := newTestPublisher(t, &fakeOpener{channels: []*fakeChannel{ch}})

	require.NoError(t, publisher.Publish(context.Background(), testMessage("q")))
	require.NoError(t, publisher.Close())
	require.NoError(t, publisher.Close())
	assert.True(t, ch.isClosed())

	err := publisher.Publish(context.Background(), testMessage("q"))
	require.ErrorIs(t, err, ErrPublisherClosed)
	assert.True(t, outbox.IsKind(err, outbox.KindTransport))
}

func TestPublisher_CircuitBreakerFailsFast(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	ch.publishErr = errFake
	opener := &fakeOpener{channels: []*fakeChannel{ch}}

	manager := circuitbreaker.NewManager(log.NewNop())
	publisher := newTestPublisher(t, opener, WithCircuitBreaker(manager, "rabbitmq"))

	threshold := int(circuitbreaker.BrokerConfig().ConsecutiveFailures)
	for range threshold {
		require.ErrorIs(t, publisher.Publish(context.Background(), testMessage("q")), errFake)
	}

	calls := opener.callCount()

	err := publisher.Publish(context.Background(), testMessage("q"))
	require.Error(t, err)
	assert.True(t, circuitbreaker.IsRejected(err))
	assert.True(t, outbox.IsKind(err, outbox.KindTransport))
	assert.Equal(t, calls, opener.callCount())
	assert.Equal(t, circuitbreaker.StateOpen, manager.GetState("rabbitmq"))
}
