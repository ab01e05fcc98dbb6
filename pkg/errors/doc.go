// Package errors provides structured error types shared by all
// twofa-service packages.
//
// Core packages return their own sentinel errors; API handlers
// translate those sentinels to an Error carrying an ErrorCode so the
// HTTP layer can map every caller-visible failure to a status code in
// one place (MapErrorCodeToHTTPStatus). Internal faults are wrapped
// with ErrCodeInternal and never expose detail to the caller.
package errors
