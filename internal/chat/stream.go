package chat

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/zhijun2003/QingyunAI/internal/models"
)

// Stats summarizes a settled streamed call.
type Stats struct {
	InputTokens  int             `json:"inputTokens"`
	OutputTokens int             `json:"outputTokens"`
	Cost         decimal.Decimal `json:"cost"`
}

// StreamItem is one value relayed to the caller. The last item either has Done set with MessageID and Stats, or
// carries Err.
type StreamItem struct {
	Content   string `json:"content"`
	Done      bool   `json:"done"`
	MessageID string `json:"messageId,omitempty"`
	Stats     *Stats `json:"stats,omitempty"`
	Err       error  `json:"-"`
}

// ChatStream dispatches a streamed completion. Failures up to and including the upstream handshake are
// returned directly; later ones arrive as the final item. The call settles once after a delta with a finish
// reason or, failing that, once the adapter closes its channel without an error. The channel is closed after
// the final item.
//
// Cancelling ctx before the terminal delta releases the upstream read and skips settlement.
func (s *Service) ChatStream(ctx context.Context, req Request) (<-chan StreamItem, error) {
	p, err := s.prepare(ctx, req, true)
	if err != nil {
		return nil, err
	}

	p.log.Debug("chat state", zap.Stringer("state", StateDispatch))
	deltas, closeUpstream, err := p.adapter.ChatStream(ctx, p.upstream)
	if err != nil {
		return nil, s.fail(ctx, p, true, err)
	}

	out := make(chan StreamItem, s.opts.StreamBuffer)
	go s.relay(ctx, p, req, deltas, closeUpstream, out)
	return out, nil
}

// relay is the single consumer of the adapter's deltas and the single producer of out.
func (s *Service) relay(ctx context.Context, p *prepared, req Request, deltas <-chan models.ChatDelta, closeUpstream func() error, out chan<- StreamItem) {
	defer close(out)
	defer func() {
		if err := closeUpstream(); err != nil {
			p.log.Debug("close upstream stream", zap.Error(err))
		}
	}()

	send := func(item StreamItem) bool {
		select {
		case out <- item:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var content strings.Builder
	terminal := false
	for !terminal {
		var (
			delta models.ChatDelta
			ok    bool
		)
		select {
		case <-ctx.Done():
			s.fail(ctx, p, true, ctx.Err())
			return
		case delta, ok = <-deltas:
		}
		if !ok {
			if ctx.Err() != nil {
				s.fail(ctx, p, true, ctx.Err())
				return
			}
			// Adapters report truncation as an error delta; a clean close means the upstream is exhausted.
			break
		}
		if delta.Err != nil {
			err := s.fail(ctx, p, true, delta.Err)
			if ctx.Err() == nil {
				send(StreamItem{Err: err})
			}
			return
		}
		if delta.Content != "" {
			content.WriteString(delta.Content)
			if !send(StreamItem{Content: delta.Content}) {
				s.fail(ctx, p, true, ctx.Err())
				return
			}
		}
		terminal = delta.IsTerminal()
	}

	// Nothing after the terminal delta is billable; stop the upstream before settling.
	if err := closeUpstream(); err != nil {
		p.log.Debug("close upstream stream", zap.Error(err))
	}

	settlement, outputTokens, err := s.account(ctx, p, req, content.String(), true)
	if err != nil {
		send(StreamItem{Err: err})
		return
	}
	send(StreamItem{
		Done:      true,
		MessageID: settlement.AssistantMessageID,
		Stats: &Stats{
			InputTokens:  p.inputTokens,
			OutputTokens: outputTokens,
			Cost:         settlement.Cost,
		},
	})
}
