// Package server exposes the loop library API over HTTP.
//
// Requests pass through request IDs, access logging, security headers, CORS,
// rate limiting and metrics before reaching the api handlers. Run serves until
// its context is cancelled and then drains in-flight requests.
package server
