// Package admission is the download admission queue: a FIFO line of
// requests admitted to the executor under a concurrency cap.
//
// Item lifecycle:
//
//	Pending (durable, FIFO by sequence id)
//	   | Refresh(): Executor.Start accepted
//	Launched (memory only, holds a concurrency slot until confirmed)
//	   | OnStartConfirmed(started)
//	Running (durable, used to find leftovers of an unclean shutdown)
//	   | OnStateChanged(terminal)
//	Finished (durable, one entry per record, kept for observers until pruned)
//
// Concurrency accounting:
//
//	R = loading records + len(Launched)
//
// Launched bridges the gap between Executor.Start returning and the executor
// opening its loading record; counting it keeps the cap honest during that
// window. Suspend writes it back to Pending when the owner stops.
//
// A Queue is not safe for concurrent use. The controller owns it from a
// single goroutine.
package admission
