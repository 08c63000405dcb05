// Package auth verifies the credentials presented during the push handshake.
//
// Tokens are HS256 JWTs carrying a user_id claim. The package only maps a
// token to a user id; account and session management live elsewhere.
package auth
