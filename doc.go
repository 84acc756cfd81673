// Package jobqueue is the asynchronous background job subsystem of the
// Taxfold invoicing compliance platform. It provides durable job
// lifecycle management over a key-value store, per-type retry policies,
// escalating cancellation semantics, and real-time progress fan-out to
// subscribed clients.
//
// jobqueue is designed as a library, not a service. Configure a durable
// store, register processors for your job types, and start the engine:
//
//	eng := engine.Build(
//	    engine.WithStore(kvstore),
//	    engine.WithLogger(logger),
//	    engine.WithProcessor(job.TypeCSVImport, proc, job.Config{}),
//	)
//	eng.Start(ctx)
//
// # Architecture
//
// Each subsystem (job records, retry scheduling, cancellation,
// notification fan-out) lives in its own package and owns its slice of
// the key space on the shared durable store. The store is the sole
// authority for persisted state; in-memory registries (active
// cancellations, retry timers, open connections) are caches that are
// rebuilt lazily after a restart.
//
// The engine runs a single claim/execute loop per partition. Porting to
// a multi-worker host requires replacing the index claim with an atomic
// compare-and-swap or a distributed lock; see job.Store.ClaimNext.
package jobqueue
