// Package device wraps miniaudio (via malgo) for the terminal client: a
// shared audio context, a session-scoped microphone capture device, and a
// speaker playback device fed from a pull source.
package device

import (
	"fmt"
	"log/slog"

	"github.com/gen2brain/malgo"
)

// Context owns the malgo context shared by capture and playback devices.
// Initialize once per process and Close after all devices are released.
type Context struct {
	ctx    *malgo.AllocatedContext
	logger *slog.Logger
}

func NewContext(logger *slog.Logger) (*Context, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime

	ctx, err := malgo.InitContext(nil, cfg, func(message string) {
		logger.Debug("miniaudio", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	return &Context{ctx: ctx, logger: logger}, nil
}

func (c *Context) Close() error {
	if c == nil || c.ctx == nil {
		return nil
	}
	err := c.ctx.Uninit()
	c.ctx.Free()
	c.ctx = nil
	return err
}
