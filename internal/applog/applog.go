package applog

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// scopeFieldName is the key components use to tag their log lines.
const scopeFieldName = "scope"

// NewLogger builds the console logger shared by every component.
// Components receive it through their constructors and narrow it with WithScope.
func NewLogger(out io.Writer, level zerolog.Level) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		NoColor:    out != os.Stdout && out != os.Stderr,
		PartsOrder: []string{
			zerolog.LevelFieldName,
			zerolog.TimestampFieldName,
			scopeFieldName,
			zerolog.MessageFieldName,
		},
		// Render the scope as [SCOPE] in front of the message.
		FormatPrepare: func(m map[string]any) error {
			if v, ok := m[scopeFieldName].(string); ok && v != "" {
				m[scopeFieldName] = fmt.Sprintf("[%s]", v)
			} else {
				m[scopeFieldName] = "[APP]"
			}
			return nil
		},
		FieldsExclude: []string{scopeFieldName},
	}

	return zerolog.New(consoleWriter).Level(level).With().Timestamp().Logger()
}

// WithScope returns a sub-logger tagged with the component name.
func WithScope(logger zerolog.Logger, scope string) zerolog.Logger {
	return logger.With().Str(scopeFieldName, scope).Logger()
}

// OpenFile opens (or creates) a log file for append. Used when the terminal UI
// owns stdout.
func OpenFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	return f, nil
}
