package mq

import (
	"context"
	"encoding/json"
	"fmt"
)

type MessageQueue interface {
	Send(ctx context.Context, body string) error
	// Receive long-polls for one message. A nil message with a nil error means
	// the poll came back empty.
	Receive(ctx context.Context, visibilityTimeout int32) (*Message, error)
	Delete(ctx context.Context, msg *Message) error
}

type Message struct {
	// Id is the handle Delete needs, not a stable message identity
	Id   string
	Body string
	// ReceiveCount is how many times the queue has handed this message out,
	// including this one.
	ReceiveCount int
}

// SendJSON sends v encoded as JSON.
func SendJSON(ctx context.Context, queue MessageQueue, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return queue.Send(ctx, string(body))
}

func (m *Message) DecodeJSON(v any) error {
	return json.Unmarshal([]byte(m.Body), v)
}
