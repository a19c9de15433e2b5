// Package store persists experiences and their trust audit trail in SQLite.
//
// The store is the single source of truth for trust state: the retriever and
// trust manager read current rows on every call rather than caching them.
package store
