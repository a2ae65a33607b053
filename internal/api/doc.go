// Package api hosts the HTTP handlers of the loop library.
//
// Handlers translate requests into lifecycle.Service calls and shape the
// responses: mutations answer with a {success, message} envelope, catalogue
// reads return their payload directly. Rate limiting, request ids, logging
// and metrics are applied by internal/server; handlers only charge rate
// penalties for rejected input and failed moderator credentials.
package api
