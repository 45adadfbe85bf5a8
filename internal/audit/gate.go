package audit

import "context"

// Gate wraps a Recorder behind a runtime switch. Events are dropped without
// error while the switch reports disabled.
type Gate struct {
	Recorder Recorder
	Enabled  func(ctx context.Context) bool
}

func (g *Gate) Record(ctx context.Context, eventType string, payload map[string]any) error {
	if g == nil || g.Recorder == nil {
		return nil
	}
	if g.Enabled != nil && !g.Enabled(ctx) {
		return nil
	}
	return g.Recorder.Record(ctx, eventType, payload)
}
