package rabbitmq

import (
	"github.com/Arslan16/Ufanet-autum-practice/relay"
)

var _ relay.App = (*SubscriptionApp)(nil)

// SubscriptionApp runs one consumer subscription under a relay.Launcher.
type SubscriptionApp struct {
	consumer *Consumer
	queue    string
	handler  Handler
}

// NewSubscriptionApp binds consumer, queue and handler. Validation happens in Subscribe.
func NewSubscriptionApp(consumer *Consumer, queue string, handler Handler) *SubscriptionApp {
	return &SubscriptionApp{consumer: consumer, queue: queue, handler: handler}
}

// Run implements relay.App. It returns once the launcher context is cancelled.
func (a *SubscriptionApp) Run(launcher *relay.Launcher) error {
	return a.consumer.Subscribe(launcher.Context(), a.queue, a.handler)
}
