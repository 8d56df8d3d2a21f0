package dreamcatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/daemonp/dreamcatcher2mqtt/internal/log"
)

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// stubClient completes every operation immediately and never invokes the
// OnConnect handler.
type stubClient struct {
	mqtt.Client
	connectErr error
	published  []string
}

func (s *stubClient) Connect() mqtt.Token { return doneToken{err: s.connectErr} }
func (s *stubClient) IsConnected() bool   { return s.connectErr == nil }
func (s *stubClient) Disconnect(uint)     {}
func (s *stubClient) Publish(topic string, _ byte, _ bool, _ interface{}) mqtt.Token {
	s.published = append(s.published, topic)
	return doneToken{}
}

func newStubTransport(client *stubClient) *PahoTransport {
	tr := NewPahoTransport(TransportConfig{Broker: "tcp://panel:1883"}, log.Nop())
	tr.newClient = func(*mqtt.ClientOptions) mqtt.Client { return client }
	return tr
}

func TestPublishRightAfterConnect(t *testing.T) {
	client := &stubClient{}
	tr := newStubTransport(client)

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := tr.Publish(context.Background(), PublishTopic("P1"), []byte("{}")); err != nil {
		t.Fatalf("Publish before the connect callback: %v", err)
	}
	if len(client.published) != 1 {
		t.Fatalf("expected one publish, got %v", client.published)
	}

	tr.Close()
	if err := tr.Publish(context.Background(), PublishTopic("P1"), []byte("{}")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after close, got %v", err)
	}
}

func TestPublishAfterFailedConnect(t *testing.T) {
	tr := newStubTransport(&stubClient{connectErr: errors.New("refused")})

	if err := tr.Connect(context.Background()); err == nil {
		t.Fatalf("expected connect error")
	}
	if err := tr.Publish(context.Background(), PublishTopic("P1"), []byte("{}")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}
