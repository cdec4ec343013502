// Package token generates human-typable random identifiers.
//
// Tokens are drawn from crypto/rand and mapped onto an alphabet by rejection
// sampling, so every symbol is equally likely regardless of alphabet size.
// The default alphabet drops letters that are easy to confuse with digits
// (I, O) and has no lowercase letters, so a token can be read aloud or typed
// from a screenshot.
//
// All functions are stateless and safe for concurrent use.
package token
