// Package store defines the capabilities the build engine consumes from a
// store and provides an in-memory and an on-disk implementation.
//
// # Backends
//
// MemoryStore keeps objects and registry records in maps. LocalStore keeps
// objects under a directory and their records in a SQLite registry under
// the state directory. Both expose the substituters they were opened with
// as a SubstituterSet.
//
// # Garbage collection
//
// LocalStore treats links under <state>/gcroots as roots. AddRoot makes a
// direct root there; AddPermRoot makes an indirect one through a symlink
// elsewhere, recorded under gcroots/auto. FindRoots resolves both. Package
// gc decides what the roots keep alive and deletes the rest through
// DeletePath, which refuses paths that still have referrers.
package store
