// Package identity owns pairhub's durable records: users, directional pairs,
// pending uploads and banned character identifications.
//
// It exposes a Store boundary consumed by the presence core, with a
// PostgreSQL implementation for production and an in-memory one for dev
// runs and tests. Both provide single-row atomic read-modify-write for the
// presence field, which is what the core relies on for race safety.
package identity
