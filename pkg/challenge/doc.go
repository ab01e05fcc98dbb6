// Package challenge issues time-limited login challenges and verifies the
// codes submitted against them. A challenge is consumed by its first
// terminal outcome, and every verification attempt is recorded in the
// audit log.
package challenge
