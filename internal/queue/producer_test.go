package queue

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
)

func TestNewProducerValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewProducer(ProducerConfig{Driver: "nats"}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("unsupported driver: %v", err)
	}
	if _, err := NewProducer(ProducerConfig{Driver: DriverKafka, Brokers: []string{" ", ""}}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("missing brokers: %v", err)
	}
	p, err := NewProducer(ProducerConfig{Driver: "KAFKA", Brokers: []string{"localhost:9092"}})
	if err != nil {
		t.Fatalf("kafka producer: %v", err)
	}
	if err := p.Publish(context.Background(), "  ", nil, []byte("x")); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("empty topic: %v", err)
	}
	_ = p.Close()
}

func TestStdioProducer_WritesLines(t *testing.T) {
	t.Parallel()

	var buf safeBuffer
	p, err := NewProducer(ProducerConfig{Driver: DriverStdio, Writer: &buf})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	if err := p.Publish(context.Background(), "relay.jobs.v1", []byte("k"), []byte(`{"id":1}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := p.Publish(context.Background(), "relay.jobs.v1", nil, []byte(`{"id":2}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got, want := buf.String(), "{\"id\":1}\n{\"id\":2}\n"; got != want {
		t.Fatalf("output: got %q want %q", got, want)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestSplitCommaList(t *testing.T) {
	t.Parallel()

	got := SplitCommaList(" a:9092, ,b:9092 ,")
	if want := []string{"a:9092", "b:9092"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
	if SplitCommaList("   ") != nil {
		t.Fatalf("expected nil for blank input")
	}
}

type safeBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *safeBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *safeBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}
