// Package session verifies PASETO v4.public access tokens presented by
// connecting clients and turns them into a verified UID.
//
// Tokens are issued elsewhere; pairhub normally holds only the public key.
// When a secret key is configured (dev, tests) the manager can also issue.
package session
