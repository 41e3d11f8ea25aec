// Package storage persists the dispatcher's local state: an audit trail of
// settled dispatches and the failed records kept for an explicit retry.
//
// The notifications themselves are not stored here; the database channel
// persists them through the MaryBot API.
package storage
