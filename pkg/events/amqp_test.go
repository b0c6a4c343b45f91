package events

import "testing"

func TestNewAMQPPublisherRequiresURL(t *testing.T) {
	if _, err := NewAMQPPublisher("", "sparkgrid.usage"); err == nil {
		t.Fatalf("expected error for empty amqp url")
	}
}

func TestNewConsumerRequiresQueue(t *testing.T) {
	if _, err := NewConsumer("amqp://localhost", "sparkgrid.usage", ""); err == nil {
		t.Fatalf("expected error for empty queue name")
	}
	if _, err := NewConsumer("", "sparkgrid.usage", "wallet.rollups"); err == nil {
		t.Fatalf("expected error for empty amqp url")
	}
}
