// Package engine implements the optimistic mutation and reconciliation
// core: an in-memory mutation record store, a pure merge algorithm that
// combines the latest canonical snapshot with outstanding records, and a
// single-writer state machine for submit, retry, and supersede handling.
//
// The engine is generic over the mutation payload P and the canonical item
// T. Each logical mutable resource gets its own engine instance: a message
// engine per chat, an upload engine per profile image slot. The transport
// is injected as two opaque functions (SubmitFunc, PollFunc); the engine
// owns everything between the user action and the rendered view.
//
// Correctness rests on two rules. All record state lives behind one writer,
// the Run loop. And completions are honored by correlation id identity,
// never by arrival order, so a superseded attempt that resolves late cannot
// disturb the view.
package engine
