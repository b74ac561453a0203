package main

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/knxdev/knxnetip/pkg/knxconf"
)

// leveledWriter discards writes below a minimum level and supports
// swapping its underlying writer, so a log file can be reopened on
// SIGHUP without recreating the zerolog.Logger that wraps it.
type leveledWriter struct {
	w io.Writer // or zerolog.LevelWriter
	l zerolog.Level
	m sync.Mutex
}

var _ zerolog.LevelWriter = (*leveledWriter)(nil)

func newLeveledWriter(w io.Writer, l zerolog.Level) *leveledWriter {
	return &leveledWriter{w: w, l: l}
}

func (wl *leveledWriter) Write(p []byte) (int, error) {
	wl.m.Lock()
	defer wl.m.Unlock()
	if wl.w != nil {
		return wl.w.Write(p)
	}
	return len(p), nil
}

func (wl *leveledWriter) WriteLevel(l zerolog.Level, p []byte) (int, error) {
	if l >= wl.l {
		wl.m.Lock()
		defer wl.m.Unlock()
		if wl.w != nil {
			if lw, ok := wl.w.(zerolog.LevelWriter); ok {
				return lw.WriteLevel(l, p)
			}
			return wl.w.Write(p)
		}
	}
	return len(p), nil
}

func (wl *leveledWriter) SwapWriter(fn func(io.Writer) io.Writer) {
	wl.m.Lock()
	defer wl.m.Unlock()
	wl.w = fn(wl.w)
}

// configureLogging builds the engine's logger from c, combining a stdout
// output and an optional reopenable log file. reopen is nil if no log file
// was configured.
func configureLogging(c *knxconf.Config) (logger zerolog.Logger, reopen func()) {
	var outputs []io.Writer
	if c.LogStdout {
		if c.LogPretty {
			outputs = append(outputs, newLeveledWriter(zerolog.ConsoleWriter{Out: os.Stdout}, c.LogStdoutLevel))
		} else {
			outputs = append(outputs, newLeveledWriter(os.Stdout, c.LogStdoutLevel))
		}
	}
	if fn := c.LogFile; fn != "" {
		x := newLeveledWriter(nil, c.LogFileLevel)
		if abs, err := filepath.Abs(fn); err == nil {
			fn = abs
		}
		reopen = func() {
			x.SwapWriter(func(old io.Writer) io.Writer {
				if o, ok := old.(io.Closer); ok {
					o.Close()
				}
				f, err := os.OpenFile(fn, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
				if err != nil {
					return nil
				}
				return f
			})
		}
		outputs = append(outputs, x)
		reopen()
	}
	if len(outputs) == 0 {
		outputs = append(outputs, io.Discard)
	}
	logger = zerolog.New(zerolog.MultiLevelWriter(outputs...)).Level(c.LogLevel).With().Timestamp().Logger()
	return
}
