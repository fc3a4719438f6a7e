package circuitbreaker

import "time"

// DefaultConfig trips on a sustained error ratio and probes again after 30s.
func DefaultConfig() Config {
	return Config{
		MaxRequests:         3,
		Interval:            2 * time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 15,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
}

// BrokerConfig is used for RabbitMQ publishes. A broken channel fails every
// publish, so five in a row open the breaker and one probe closes it.
func BrokerConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxRequests = 1
	cfg.Interval = time.Minute
	cfg.Timeout = 15 * time.Second
	cfg.ConsecutiveFailures = 5

	return cfg
}

// HTTPServiceConfig is used for the Telegram Bot API.
func HTTPServiceConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeout = 10 * time.Second
	cfg.ConsecutiveFailures = 5

	return cfg
}
