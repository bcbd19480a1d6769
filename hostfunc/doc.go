// Package hostfunc provides the Go functions a guest interpreter may call
// through the scope protocol.
//
// A guest reaches the host by writing a call frame on stderr; the namespace
// looks the function up in a [Registry] and writes the JSON response back on
// stdin. Nothing is reachable unless it has been registered for that
// namespace, and each namespace gets its own registry:
//
//	registry := hostfunc.NewRegistry()
//	vars := hostfunc.NewKVStore()
//	vars.Register(registry, "scope")
//
//	fs := hostfunc.NewFS(hostfunc.Mount{VirtualPath: "/packages", HostPath: env.Path})
//	fs.Register(registry)
//
// [KVStore] backs the values bound into an execution scope (session and
// environment identity, plus anything the guest stores). [FS] exposes the
// environment's library directory read-only and, optionally, a writable
// workspace.
package hostfunc
