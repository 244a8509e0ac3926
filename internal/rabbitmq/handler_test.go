package rabbitmq

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
)

type ping struct {
	ID string `json:"id"`
}

func TestJSONHandler(t *testing.T) {
	var got ping
	h := JSONHandler[ping]{HandleFunc: func(_ context.Context, p ping) error { got = p; return nil }}

	if err := h.Handle(context.Background(), amqp.Delivery{Body: []byte(`{"id":"o1"}`)}); err != nil {
		t.Fatal(err)
	}
	if got.ID != "o1" {
		t.Fatalf("decoded = %+v", got)
	}
	if err := h.Handle(context.Background(), amqp.Delivery{Body: []byte(`{`)}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

func TestJSONHandlerPassesHandlerError(t *testing.T) {
	boom := errors.New("stage aborted")
	h := JSONHandler[ping]{HandleFunc: func(context.Context, ping) error { return boom }}
	err := h.Handle(context.Background(), amqp.Delivery{Body: []byte(`{}`)})
	if !errors.Is(err, boom) || errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v", err)
	}
}

func TestStringHeaders(t *testing.T) {
	m := stringHeaders(amqp.Table{"traceparent": "00-abc", "retries": int32(2)})
	if len(m) != 1 || m["traceparent"] != "00-abc" {
		t.Fatalf("headers = %v", m)
	}
}
