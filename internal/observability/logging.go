package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// New returns a JSON logger writing to w. Every line carries the component.
func New(w io.Writer, component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Str("component", component).Logger()
}

// NewLogger logs to stdout at the level named by ENERGY_LOG_LEVEL. Tools that
// run before the service config is loaded use it.
func NewLogger(component string) zerolog.Logger {
	return New(os.Stdout, component, ParseLogLevel(os.Getenv("ENERGY_LOG_LEVEL")))
}

// ParseLogLevel accepts zerolog level names in any case. Unknown or empty
// names mean info.
func ParseLogLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}
