// Package relay provides the public API for embedding the assistant run
// relay. This is the stable API for external consumers.
package relay

import (
	"github.com/tjfontaine/cinetech-relay/internal/runtime"
)

// Relay is the main entry point for running the relay.
// See internal/runtime.Relay for full documentation.
type Relay = runtime.Relay

// Option is a functional option for configuring a Relay.
type Option = runtime.Option

// New creates a new Relay with the given options.
// Example:
//
//	r, err := relay.New(
//	    relay.WithFileConfig("config.yaml"),
//	    relay.WithLogger(logger),
//	)
var New = runtime.New

// Configuration options
var (
	// Config sources
	WithFileConfig     = runtime.WithFileConfig
	WithConfig         = runtime.WithConfig
	WithConfigProvider = runtime.WithConfigProvider

	// Storage and media
	WithLedgerStore = runtime.WithLedgerStore
	WithBlobStore   = runtime.WithBlobStore

	// Upstream
	WithBackend = runtime.WithBackend

	// Events
	WithEventSink = runtime.WithEventSink

	// Auth and admission
	WithAuthProvider  = runtime.WithAuthProvider
	WithQualityPolicy = runtime.WithQualityPolicy

	WithLogger = runtime.WithLogger
)
