// Package dag implements the dependency graph used to order formula builds.
//
// An edge from A to B means B depends on A: A must be installed first. The
// graph offers a deterministic topological sort (Kahn's algorithm, ties broken
// by insertion order) and cycle discovery that reports the full cycle path.
package dag
