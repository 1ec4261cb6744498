package events

// ProducerOptions customize an EventProducer at construction time.
type ProducerOptions func(e *EventProducer)

// WithOutputTopic overrides the topic job events are written to.
func WithOutputTopic(topic string) ProducerOptions {
	return func(e *EventProducer) {
		e.topic = topic
	}
}
