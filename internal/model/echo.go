package model

import (
	"context"
	"log"

	"starling/internal/domain"
)

// EchoInvoker is the stand-in model wired when no provider client is
// configured. It answers with the latest user message so the dispatch
// pipeline stays exercisable end to end.
type EchoInvoker struct {
	prefix string
	logger *log.Logger
}

func NewEchoInvoker(prefix string, logger *log.Logger) *EchoInvoker {
	if logger == nil {
		logger = log.Default()
	}
	return &EchoInvoker{prefix: prefix, logger: logger}
}

func (e *EchoInvoker) Invoke(ctx context.Context, messages []domain.ModelMessage, specs []domain.ToolSpec) (domain.ModelResponse, error) {
	if err := ctx.Err(); err != nil {
		return domain.ModelResponse{}, err
	}

	last := ""
	for _, msg := range messages {
		if msg.Role == domain.MessageRoleUser {
			last = msg.Content
		}
	}
	if last == "" {
		last = "I received no input."
	}

	text := last
	if e.prefix != "" {
		text = e.prefix + " " + last
	}
	e.logger.Printf("model: echo answered with %d message(s) in context, %d tool(s) offered", len(messages), len(specs))
	return domain.ModelResponse{
		Text:       text,
		TokensUsed: estimateTokens(messages, text),
	}, nil
}

// estimateTokens approximates usage at four characters per token.
func estimateTokens(messages []domain.ModelMessage, reply string) int {
	chars := len(reply)
	for _, msg := range messages {
		chars += len(msg.Content)
	}
	return chars/4 + 1
}
