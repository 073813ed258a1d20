// Package storage defines the checkpoint store that keeps agent
// transcripts per thread, plus helpers shared by its implementations
// (memory, postgres, sqlite): sentinel errors and owner scoping.
package storage
