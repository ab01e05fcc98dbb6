// Package twofa manages per-user two-factor authentication configurations:
// enrollment, status, disabling, and the failure lockout shared with the
// challenge engine. TOTP secrets are stored encrypted and only decrypted
// at verification time.
package twofa
