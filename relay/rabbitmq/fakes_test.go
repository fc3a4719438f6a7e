//go:build unit

package rabbitmq

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

var errFake = errors.New("fake failure")

// fakeChannel is an in-memory Channel. Confirms are emitted on publish unless
// withholdConfirms is set.
type fakeChannel struct {
	fakeTopology

	mu               sync.Mutex
	confirmErr       error
	publishErr       error
	qosErr           error
	consumeErr       error
	nackPublishes    bool
	withholdConfirms bool

	confirms    chan amqp.Confirmation
	closeNotify chan *amqp.Error
	deliveries  chan amqp.Delivery

	published   []amqp.Publishing
	routingKeys []string
	deliveryTag uint64
	prefetch    int
	consumerTag string
	cancelled   bool
	closed      bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp.Delivery, 8)}
}

func (f *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.prefetch = prefetchCount

	return f.qosErr
}

func (f *fakeChannel) Confirm(bool) error {
	return f.confirmErr
}

func (f *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.confirms = confirm

	return confirm
}

func (f *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closeNotify = c

	return c
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.publishErr != nil {
		return f.publishErr
	}

	f.deliveryTag++
	f.published = append(f.published, msg)
	f.routingKeys = append(f.routingKeys, key)

	if !f.withholdConfirms && f.confirms != nil {
		f.confirms <- amqp.Confirmation{DeliveryTag: f.deliveryTag, Ack: !f.nackPublishes}
	}

	return nil
}

func (f *fakeChannel) Consume(_, consumer string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.consumeErr != nil {
		return nil, f.consumeErr
	}

	f.consumerTag = consumer

	return f.deliveries, nil
}

func (f *fakeChannel) Cancel(string, bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cancelled = true

	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true

	return nil
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closed
}

func (f *fakeChannel) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.published)
}

// fakeOpener hands out channels in order; the last one is reused.
type fakeOpener struct {
	mu       sync.Mutex
	channels []*fakeChannel
	err      error
	calls    int
}

func (o *fakeOpener) Channel(context.Context) (Channel, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.calls++

	if o.err != nil {
		return nil, o.err
	}

	idx := o.calls - 1
	if idx >= len(o.channels) {
		idx = len(o.channels) - 1
	}

	return o.channels[idx], nil
}

func (o *fakeOpener) callCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.calls
}

type ackRecord struct {
	tag     uint64
	ack     bool
	requeue bool
}

type fakeAcknowledger struct {
	mu      sync.Mutex
	records []ackRecord
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.records = append(a.records, ackRecord{tag: tag, ack: true})

	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.records = append(a.records, ackRecord{tag: tag, requeue: requeue})

	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) snapshot() []ackRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]ackRecord(nil), a.records...)
}
