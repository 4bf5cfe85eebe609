package loki

import (
	"go.uber.org/zap/zapcore"
)

// Core adapts a Loki Client into a zapcore.Core so ragserver's structured
// logs can be shipped to Loki alongside stdout, without changing how the
// rest of the engine logs through zap.
type Core struct {
	client zapcore.Core
	loki   *Client
	labels map[string]string
	level  zapcore.LevelEnabler
	fields []zapcore.Field
}

// NewCore wraps an existing zapcore.Core, mirroring every entry it accepts
// to the given Loki endpoint under staticLabels.
func NewCore(next zapcore.Core, endpoint string, staticLabels map[string]string) *Core {
	return &Core{
		client: next,
		loki:   New(endpoint, staticLabels),
		labels: staticLabels,
		level:  next,
	}
}

func (c *Core) Enabled(lvl zapcore.Level) bool { return c.level.Enabled(lvl) }

func (c *Core) With(fields []zapcore.Field) zapcore.Core {
	return &Core{
		client: c.client.With(fields),
		loki:   c.loki,
		labels: c.labels,
		level:  c.level,
		fields: append(append([]zapcore.Field{}, c.fields...), fields...),
	}
}

func (c *Core) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.level.Enabled(ent.Level) {
		ce = ce.AddCore(ent, c)
	}
	return ce
}

// Write forwards the log line to the wrapped core and fires an asynchronous
// push to Loki; a delivery failure is swallowed, since log shipping must
// never block or fail the request path it instruments.
func (c *Core) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	if err := c.client.Write(ent, fields); err != nil {
		return err
	}

	entry := Entry{
		Timestamp: ent.Time,
		Line:      ent.Message,
		Labels:    map[string]string{"level": ent.Level.String(), "logger": ent.LoggerName},
	}
	go func() {
		_ = c.loki.Push(Batch{Entries: []Entry{entry}})
	}()
	return nil
}

func (c *Core) Sync() error { return c.client.Sync() }

var _ zapcore.Core = (*Core)(nil)
