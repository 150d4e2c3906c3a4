package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the process logger. Development gets a console writer at
// debug level; everything else gets JSON at info.
func Setup(env string) zerolog.Logger {
	return SetupWithWriter(env, nil)
}

func SetupWithWriter(env string, out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level := zerolog.InfoLevel
	if env == "development" {
		level = zerolog.DebugLevel
	}

	if out == nil {
		out = os.Stdout
		if env == "development" {
			out = zerolog.ConsoleWriter{Out: os.Stdout}
		}
	}

	logger := zerolog.New(out).With().Timestamp().Logger().Level(level)
	log.Logger = logger
	return logger
}
