package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
)

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

// InferStream performs one streaming chat completion over SSE. The returned
// stream ends with exactly one done chunk; transport failures mid-stream
// surface as a terminal error chunk with a retryable code.
func (p *Provider) InferStream(ctx domain.Context, req domain.InferenceRequest) (domain.ChunkStream, error) {
	httpResp, err := p.post(ctx, "/chat/completions", buildChatRequest(req, true))
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode != http.StatusOK {
		defer func() { _ = httpResp.Body.Close() }()
		return nil, p.statusError(httpResp)
	}

	w, out := domain.NewStreamPipe(16)
	go p.readSSE(ctx, req, httpResp, w)
	return out, nil
}

func (p *Provider) readSSE(ctx domain.Context, req domain.InferenceRequest, httpResp *http.Response, w *domain.StreamWriter) {
	defer func() { _ = httpResp.Body.Close() }()
	defer w.Close()

	var (
		seq   int64
		usage *domain.Usage
	)
	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "[DONE]" {
			w.Send(ctx, domain.StreamChunk{RequestID: req.ID, Seq: seq, Done: true, Usage: usage})
			return
		}

		var sc streamChunk
		if err := json.Unmarshal([]byte(payload), &sc); err != nil {
			slog.Warn("skipping malformed stream event",
				slog.String("provider", p.id), slog.Any("error", err))
			continue
		}
		if sc.Usage != nil {
			usage = &domain.Usage{
				InputTokens:  sc.Usage.PromptTokens,
				OutputTokens: sc.Usage.CompletionTokens,
				TotalTokens:  sc.Usage.TotalTokens,
			}
		}
		for _, choice := range sc.Choices {
			chunk := domain.StreamChunk{RequestID: req.ID, Seq: seq, Delta: choice.Delta.Content}
			if len(choice.Delta.ToolCalls) > 0 {
				tc := choice.Delta.ToolCalls[0]
				chunk.ToolCallDelta = &domain.ToolCall{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				}
			}
			if chunk.Delta == "" && chunk.ToolCallDelta == nil {
				continue
			}
			if !w.Send(ctx, chunk) {
				return
			}
			seq++
		}
	}

	// The transport dropped before [DONE]; report it as a terminal failure
	// the consumer can classify.
	code := domain.CodeProviderUnavailable
	msg := "stream interrupted"
	if err := scanner.Err(); err != nil {
		msg = err.Error()
	}
	if ctx.Err() != nil {
		code = domain.CodeCancelled
		msg = "stream cancelled"
	}
	w.Send(context.WithoutCancel(ctx), domain.StreamChunk{
		RequestID: req.ID,
		Seq:       seq,
		Done:      true,
		Err: &domain.ChunkError{
			Code:      code,
			Message:   msg,
			Retryable: domain.CodeRetryable(code),
		},
	})
}
