// Package recovery handles out-of-band reset of two-factor settings for
// users who lost access to their second factor.
package recovery
