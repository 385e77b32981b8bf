// Package metrics records operation timings for the status surface.
//
// A Monitor is constructed by the composition root and handed to the
// components that time themselves. It keeps the most recent samples in a
// bounded ring, running per-operation aggregates, and per-query aggregates
// for slow query reporting:
//
//	mon := metrics.New(metrics.WithMaxSamples(10000), metrics.WithSlowThreshold(time.Second))
//
//	done := mon.Start("search")
//	resp, err := engine.Search(ctx, q)
//	done(err)
//
// All methods are safe for concurrent use, and a nil *Monitor is valid: its
// timers and recorders do nothing, so components work without one.
package metrics
