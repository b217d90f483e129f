// Package server hosts the Fiber HTTP service that fronts the SimpleCrew
// dashboard: request-id middleware, panic recovery, the catch-all route that
// hands page requests to the cache gateway, and the shared upstream client.
// Diagnostics endpoints live under /-/ and are registered by server/routes.
package server
