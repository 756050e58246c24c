// Package problems provides the test equations shipped with pint and a
// registry that builds them from configuration.
//
// Every problem stores its state in a field.Vector. Problems that support
// spatial coarsening implement Coarsener so that multi-level hierarchies
// can run on coarser grids.
package problems
