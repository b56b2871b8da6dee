package nl2sql

import (
	"context"
	"errors"
	"fmt"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

// PromptSpec is the provider-neutral generation request. System carries the
// fixed instructions and schema; Messages alternate user and assistant turns
// and always end with a user message.
type PromptSpec struct {
	System   string
	Messages []Message
}

type Generator interface {
	Generate(ctx context.Context, spec PromptSpec) (string, error)
}

var ErrEmptyResponse = errors.New("language model returned no usable SQL")

// TransportError reports a failed call to the language model. It is the only
// translation failure worth retrying.
type TransportError struct {
	Provider string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport failed: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func IsTransportError(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}
