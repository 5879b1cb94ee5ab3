// Package gateway provides the public API for embedding the GraphQL gateway.
// This is the stable API for external consumers.
package gateway

import (
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/runtime"
)

// Gateway is the main entry point for running the GraphQL gateway.
// See internal/runtime.Gateway for full documentation.
type Gateway = runtime.Gateway

// Option is a functional option for configuring a Gateway.
type Option = runtime.Option

// New creates a new Gateway with the given options.
// Example:
//
//	gw, err := gateway.New(
//	    gateway.WithFileConfig("config.yaml"),
//	    gateway.WithLogger(logger),
//	)
var New = runtime.New

// Configuration options
var (
	// Config sources
	WithFileConfig     = runtime.WithFileConfig
	WithConfigProvider = runtime.WithConfigProvider

	// Persisted queries
	WithQueryStore = runtime.WithQueryStore

	// Upstream
	WithExecutor = runtime.WithExecutor

	// Observability
	WithLogger         = runtime.WithLogger
	WithMetrics        = runtime.WithMetrics
	WithTracerProvider = runtime.WithTracerProvider

	// Serving
	WithListener = runtime.WithListener
)
