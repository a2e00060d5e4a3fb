// Package statebus moves audit journal entries over Kafka: the gateway
// publishes every appended entry to a topic, and external verifiers consume
// the topic to maintain an independent mirror of the chain.
package statebus

import "context"

type Message struct {
	Key   []byte
	Value []byte
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

type Publisher interface {
	Publish(ctx context.Context, key, value []byte) error
	Close() error
}
