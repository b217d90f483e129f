// Package worker implements the offline cache manager: a versioned worker that
// pre-caches static assets on install, drops every other cache store on
// activation and then answers fetch events with one of three policies chosen
// from the request path and mode:
//
//   - API requests are network-only; failed read-method calls get a
//     synthesized 503 JSON body.
//   - Navigations, scripts and stylesheets are network-first; 2xx responses
//     are written to the current store in the background.
//   - Everything else is cache-first and never written back on a miss.
//
// Events are delivered through Worker.Dispatch, which returns a Future the
// host awaits. Registration drives install and activation for a scope and
// swaps the active worker when the cache version changes.
package worker
