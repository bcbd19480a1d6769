// Package gorupool serves many isolated code-execution sessions from one
// embedded interpreter.
//
// # Overview
//
// A single interpreter runtime is loaded once and shared. Every session is
// placed on a virtual environment (a library install set), gets its own
// namespace inside the runtime, and runs code under a timeout. Access to the
// runtime is serialized by the engine lock; callers never wait on it
// themselves.
//
// # Basic Usage
//
//	eng := engine.New(wasm.New(wasm.WithDiskCache()))
//	eng.Initialize(ctx, engine.Config{RuntimePath: "python.wasm", Dialect: "python"})
//	defer eng.Shutdown(ctx)
//
//	envs := environment.NewRegistry()
//	envs.Add(environment.Descriptor{ID: "data", Path: "/srv/envs/data"})
//
//	scopes := scope.New(eng)
//	sessions := session.NewManager(envs, scopes)
//	coord := coordinator.New(eng, sessions, scopes)
//
//	s, _ := sessions.CreateSession(ctx, "alice", "")
//	res, _ := coord.ExecuteAsync(ctx, s.ID, `x = 42`, 0)
//	res, _ = coord.ExecuteAsync(ctx, s.ID, `print(x)`, 0)
//	fmt.Println(res.Output) // 42
//
// # Timeouts
//
// A call that outlives its timeout returns at once with TimedOut set. The
// running code is asked to stop and its session stays busy until it does;
// [coordinator.Coordinator.StaleWorkers] reports how many are still running.
//
// See the [engine], [session], [coordinator] and [config] packages for
// details.
package gorupool
