// Package versioning tracks immutable workflow snapshots, named
// branches, diffs and merges.
//
// Versions are copy-on-write: the stored graph can never be reached or
// mutated through the caller's working copy. All history is append-only,
// including rollbacks, which add a new version rather than deleting
// anything. Merges are three-way against the nearest common ancestor
// and refuse to proceed on conflicting changes.
package versioning
