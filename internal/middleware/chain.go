// Package middleware holds the handler wrappers the server installs
// around the gateway pipeline.
package middleware

import "net/http"

// Middleware is a function that wraps an http.Handler
type Middleware func(http.Handler) http.Handler

// Chain represents a chain of middlewares
type Chain struct {
	middlewares []Middleware
}

// NewChain creates a new middleware chain. The first middleware is the
// outermost.
func NewChain(middlewares ...Middleware) *Chain {
	return &Chain{middlewares: middlewares}
}

// Append returns a new chain with mw added after the existing middlewares.
func (c *Chain) Append(mw ...Middleware) *Chain {
	out := make([]Middleware, 0, len(c.middlewares)+len(mw))
	out = append(out, c.middlewares...)
	out = append(out, mw...)
	return &Chain{middlewares: out}
}

// Then chains the middlewares and returns the final handler
func (c *Chain) Then(h http.Handler) http.Handler {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		h = c.middlewares[i](h)
	}
	return h
}
