package alerts

import (
	"context"
	"errors"
)

// CompositeSink fans out notifications to multiple sinks.
type CompositeSink struct {
	sinks []Sink
}

// NewCompositeSink drops nil entries and returns Nop when nothing remains.
func NewCompositeSink(sinks ...Sink) Sink {
	filtered := make([]Sink, 0, len(sinks))
	for _, sink := range sinks {
		if sink == nil {
			continue
		}
		filtered = append(filtered, sink)
	}
	switch len(filtered) {
	case 0:
		return Nop{}
	case 1:
		return filtered[0]
	}
	return &CompositeSink{sinks: filtered}
}

func (c *CompositeSink) Notify(ctx context.Context, payload Payload) error {
	if c == nil {
		return nil
	}
	var errs []error
	for _, sink := range c.sinks {
		if err := sink.Notify(ctx, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
