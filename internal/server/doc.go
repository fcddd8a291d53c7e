// Package server hosts the Fiber HTTP service that fronts the web application:
// the request-ID middleware, the /-/ diagnostics prefix, the catch-all route
// that hands every other request to the worker's proxy handler, the shared
// upstream HTTP clients, and the scope/upstream Route resolved from config.
package server
