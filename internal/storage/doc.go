// Package storage persists the bulk job audit trail.
//
// Jobs themselves are in-memory only; the audit trail is a forensic record of
// what was posted where, surviving process restarts.
package storage
