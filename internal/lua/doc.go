// Package lua provides the metered Lua runtime that executes sandboxed
// plugins.
//
// This package wraps the gopher-lua library to provide:
//   - Sandboxed Lua state management
//   - Deterministic instruction, memory and output quotas
//   - Go-Lua and message-table conversion
//   - A compiled chunk cache shared between states
//   - Preservation of script globals across restarts
//
// # State
//
// The State type manages a Lua runtime with sandboxing:
//
//	state, err := lua.NewState(
//	    lua.WithLimits(usage.Limits{Instructions: 100_000}),
//	    lua.WithModuleDirectory("/usr/share/luasbx/modules"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer state.Close()
//
//	if err := state.Load("plugin.lua"); err != nil {
//	    log.Fatal(err)
//	}
//	results, err := state.Call("process_message")
//
// # Metering
//
// Every Load and Call runs under a Meter installed as the state's context.
// gopher-lua polls the context once per VM instruction; the meter counts
// the polls, samples the memory footprint every 1000 instructions and
// cancels the call once a ceiling is crossed. Failures are reported as
// *LimitError, *AbortError (host requested stop) or *RuntimeError.
//
// # Sandbox
//
// The Sandbox restricts Lua code execution by:
//   - Opening only the base, table, string and math libraries, plus the
//     clock functions of os
//   - Removing dofile, loadfile, load, loadstring, module and collectgarbage
//   - Replacing require with a loader limited to the module directory
//   - Routing print and log to the plugin logger
//
// # Preservation
//
// Preserve writes the script's non built-in globals (booleans, numbers,
// strings and tables, including shared and cyclic tables) to a state file;
// Restore loads them back when the script's _PRESERVATION_VERSION matches.
package lua
