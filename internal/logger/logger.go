// Package logger configures the gateway's structured logger.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the global logger instance, initialized by Initialize.
var Log zerolog.Logger

// Initialize sets up the global logger from a level string and output mode.
func Initialize(level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().Str("service", "corehub-gateway").Logger()

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("logger initialized")
}

// GetLogger returns the global logger instance.
func GetLogger() *zerolog.Logger {
	return &Log
}

func component(name string) *zerolog.Logger {
	l := Log.With().Str("component", name).Logger()
	return &l
}

// Gateway returns a logger scoped to connection/dispatch events.
func Gateway() *zerolog.Logger { return component("gateway") }

// Auth returns a logger scoped to session/identity/authorization events.
func Auth() *zerolog.Logger { return component("auth") }

// Store returns a logger scoped to store subscription events.
func Store() *zerolog.Logger { return component("store") }

// Rules returns a logger scoped to rule engine subscription events.
func Rules() *zerolog.Logger { return component("rules") }

// Procedures returns a logger scoped to procedure execution.
func Procedures() *zerolog.Logger { return component("procedures") }

// Supervisor returns a logger scoped to connection lifecycle/shutdown events.
func Supervisor() *zerolog.Logger { return component("supervisor") }

// Server returns a logger scoped to the server façade's start/stop lifecycle.
func Server() *zerolog.Logger { return component("server") }
