package smtp

import (
	"sync/atomic"

	"github.com/rs/zerolog"
)

type logHook struct {
	warns  *atomic.Int64
	errors *atomic.Int64
}

// Run implements a zerolog hook that updates the SMTP warning/error counters.
func (h logHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	switch level {
	case zerolog.WarnLevel:
		h.warns.Add(1)
	case zerolog.ErrorLevel:
		h.errors.Add(1)
	}
}
