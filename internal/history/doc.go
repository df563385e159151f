// Package history persists latency batch tests in SQLite.
//
// A Run is one correlator.RunBatch invocation: its parameters, the ordered
// samples (lost samples stored as NULL latency with a reason) and the
// summary statistics computed by correlator.Summarize.
//
//	repo := history.NewRepository(db)
//	run := history.NewRun(peer, opts, startedAt, samples)
//	if err := repo.SaveRun(ctx, run); err != nil { ... }
package history
