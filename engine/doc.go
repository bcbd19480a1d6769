// Package engine owns the embedded interpreter shared by every session in the
// process.
//
// # Overview
//
// The interpreter is single-threaded: only one goroutine may be inside it at
// any instant. [Engine] is the explicit handle for it. Components receive the
// handle instead of reaching for a global, and every interpreter touch is
// wrapped in [Engine.Lock] or [Engine.WithLock]:
//
//	eng := engine.New(wasm.New())
//	if err := eng.Initialize(ctx, engine.Config{RuntimePath: "python.wasm"}); err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Shutdown(ctx)
//
//	err := eng.WithLock(ctx, func(rt engine.Runtime) error {
//	    ns, err := rt.NewNamespace(ctx, engine.NamespaceConfig{ID: "s1"})
//	    ...
//	})
//
// Hold the lock only for the engine calls themselves. Waiting on channels,
// files or the network while holding it stalls every other session.
//
// # Cancellation
//
// A running call cannot be forcibly preempted through this interface. Callers
// pass [ExecRequest.Interrupted], a stop hook that backends poll; a call whose
// guest code never yields keeps the lock until it returns. Backends that can
// abort their guest (the wasm backend can) do so once the hook fires.
//
// # Values
//
// Anything read from or bound into a namespace crosses the boundary as a
// tagged [Value] rather than an untyped interface.
package engine
