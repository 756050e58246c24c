// Package engine implements the PFASST controller: every rank of a world
// owns one time step of a window and iterates it together with its
// temporal neighbours until the window converges.
//
// # Overview
//
// A Controller drives one Step through a state machine:
//
//	SPREAD -> PREDICT -> IT_CHECK -> IT_DOWN -> IT_COARSE -> IT_UP -> IT_FINE -> IT_CHECK ... -> DONE
//
// Single-level windows skip PREDICT, IT_DOWN and IT_UP and alternate
// between IT_CHECK and either IT_FINE (one rank, or Jacobi-style
// multi-step SDC) or IT_COARSE (Gauss-Seidel-style multi-step SDC).
//
// IT_CHECK is the only place where the iteration counter moves. It sends
// the finest end point downstream, receives the predecessor's, computes
// the residual and propagates the done flag along the window, pipelined
// by default or through an allreduce when AllToDone is set.
//
// # Collaborators
//
// The numerics are supplied through interfaces:
//
//   - Problem evaluates right-hand sides and solves implicit systems.
//   - Sweeper updates collocation nodes, residuals and end points.
//   - Transfer restricts and prolongs between adjacent levels.
//   - Hook observes lifecycle events.
//
// Package sdc provides collocation sweepers and FAS transfers, package
// problems provides test equations.
//
// # Messaging
//
// Ranks talk only through a comm.Communicator. Data messages are tagged
// by iteration and level; status, estimate and interrupt messages use
// fixed tags above the data range. Each block runs on its own epoch of the
// communicator, so messages a block leaves behind never reach the next.
//
// # Iteration estimator
//
// With UseIterationEstimator set, every IT_CHECK measures how much the
// finest level changed, forwards the running maximum downstream and lets
// the last step estimate the iterations still needed. Once the estimate
// is reached, the last step sends a stop token around the ring and every
// step finishes where it stands.
//
// # Blocks
//
// Run integrates [t0, tend] in blocks of one step per active rank. After a
// block the last rank broadcasts its end value, ranks whose next step
// would start at or beyond tend drop out and the survivors continue on a
// split communicator. PlanBlocks derives the same schedule without
// running it, and LocalScheduler runs a whole world in one process.
package engine
