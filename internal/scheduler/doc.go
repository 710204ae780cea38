// Package scheduler drives an install run from resolved formulas to ledger
// records.
//
// # How It Works
//
// Install resolves the targets first; an unknown name or a cycle aborts the
// run before anything is fetched. Formulas already installed at the declared
// checksum are settled immediately. The archives of everything else are
// fetched in parallel, and a pool of workers walks the dependency graph:
//
//  1. A formula becomes ready when every one of its dependencies is done.
//  2. A worker waits for the formula's own archive, claims its output paths,
//     removes a previous install if there is one, builds, releases the claim,
//     runs the tests and writes the ledger record.
//  3. When a formula fails, everything that depends on it is skipped without
//     being started. Independent branches keep going.
//
// The Report lists one Result per formula in resolved order.
package scheduler
