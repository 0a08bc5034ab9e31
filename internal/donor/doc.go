// Package donor owns the donor lease pool.
//
// Ownership boundary:
// - readiness math (pure functions of now and last_transferred)
// - reserve / commit / abort of one donor per escalation
// - presentation listings and exports
//
// Durable state lives behind Repository; the pool never holds donor state
// between calls, so concurrent orchestrations only meet in the repository's
// reserve-if-ready primitive.
package donor
