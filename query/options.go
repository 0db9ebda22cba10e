package query

import (
	"log/slog"

	"github.com/hupe1980/strata/resource"
)

// Options configures an Engine.
type Options struct {
	// GraphWeight scales the score of graph discoveries. It must be positive
	// so that a combined score exceeds both of its parts.
	GraphWeight float64

	// DefaultTopK and DefaultDepth seed the Request built by Query.
	DefaultTopK  int
	DefaultDepth int

	// Resources bounds parallel seed expansion. Nil uses the defaults.
	Resources *resource.Controller

	Logger *slog.Logger
}

// DefaultOptions contains the default query settings.
var DefaultOptions = Options{
	GraphWeight:  0.5,
	DefaultTopK:  10,
	DefaultDepth: 2,
}
