// Package experience defines the experience record, its provenance tags and
// the error taxonomy shared by the store, index, trust and retrieval packages.
//
// Experiences carry two distinct numbers. Score is the caller's self-reported
// utility and is treated as untrusted input. TrustLevel is assigned by the
// trust manager from the record's source and audit history, and is the only
// value that gates retrieval visibility.
package experience
