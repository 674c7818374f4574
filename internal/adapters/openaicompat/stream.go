package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/openai/openai-go/v3"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/zhijun2003/QingyunAI/internal/models"
	"github.com/zhijun2003/QingyunAI/internal/providers/apierr"
	"github.com/zhijun2003/QingyunAI/internal/providers/streamutil"
)

var (
	dataPrefix = []byte("data:")
	doneMarker = []byte("[DONE]")
)

// ChatStream performs a streaming chat completion request. The returned channel ends with a delta carrying a
// finish reason (synthesized as "stop" when the [DONE] frame arrives without one); a body that ends with neither
// yields a final delta carrying apierr.ErrStreamTruncated.
func (a *Adapter) ChatStream(ctx context.Context, req models.ChatRequest) (<-chan models.ChatDelta, func() error, error) {
	resp, err := a.post(ctx, buildChatBody(req, true))
	if err != nil {
		return nil, nil, err
	}
	forward := func(ctx context.Context, yield streamutil.YieldFunc) error {
		return a.readEvents(resp.Body, yield)
	}
	deltas, closeFn := streamutil.Forward(ctx, a.streamBuffer, resp.Body.Close, forward)
	return deltas, closeFn, nil
}

// readEvents splits the body into lines. bufio keeps a partial line across reads until its newline arrives.
func (a *Adapter) readEvents(body io.Reader, yield streamutil.YieldFunc) error {
	reader := bufio.NewReader(body)
	finished := false
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(line) > 0 {
			delta, action := a.parseLine(line)
			switch action {
			case lineDone:
				// Many upstreams send finish_reason:null on every chunk and rely on the sentinel alone.
				if !finished {
					yield(models.ChatDelta{FinishReason: "stop"})
				}
				return nil
			case lineDelta:
				if delta.IsTerminal() {
					finished = true
				}
				if !yield(delta) {
					return nil
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				if finished {
					return nil
				}
				return apierr.ErrStreamTruncated
			}
			return fmt.Errorf("openaicompat: read stream: %w", readErr)
		}
	}
}

type lineAction int

const (
	lineSkip lineAction = iota
	lineDelta
	lineDone
)

func (a *Adapter) parseLine(line []byte) (models.ChatDelta, lineAction) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || !bytes.HasPrefix(line, dataPrefix) {
		return models.ChatDelta{}, lineSkip
	}
	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if bytes.Equal(payload, doneMarker) {
		return models.ChatDelta{}, lineDone
	}

	var chunk openai.ChatCompletionChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		perr := &apierr.ProtocolError{Line: string(line), Err: err}
		a.logger.Warn("skipping stream frame", zap.Error(perr))
		return models.ChatDelta{}, lineSkip
	}
	if len(chunk.Choices) == 0 {
		if msg := gjson.GetBytes(payload, "error.message"); msg.Exists() {
			perr := &apierr.ProtocolError{Line: string(line), Err: errors.New(msg.String())}
			a.logger.Warn("skipping stream error frame", zap.Error(perr))
		}
		return models.ChatDelta{}, lineSkip
	}

	choice := chunk.Choices[0]
	delta := models.ChatDelta{
		ID:           chunk.ID,
		Role:         models.Role(choice.Delta.Role),
		Content:      choice.Delta.Content,
		FinishReason: choice.FinishReason,
		FunctionCall: functionCallAt(payload, "choices.0.delta.function_call"),
	}
	if delta.Content == "" && delta.Role == "" && delta.FinishReason == "" && delta.FunctionCall == nil {
		return models.ChatDelta{}, lineSkip
	}
	return delta, lineDelta
}
