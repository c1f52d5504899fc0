// Package sandbox runs message plugins written in Lua.
//
// A Sandbox is created for one of three roles, each with its own host
// callback contract:
//
//   - Input scripts produce messages with inject_message and may attach a
//     checkpoint to each of them.
//   - Analysis scripts read the current message and inject derived
//     messages or payloads.
//   - Output scripts deliver the current message and acknowledge it, either
//     by returning 0 or by calling update_checkpoint.
//
// # Lifecycle
//
//	sb, err := sandbox.Create(parent, sandbox.RoleAnalysis, "counter.lua", "", sandbox.Config{},
//	    sandbox.WithCallbacks(sandbox.AnalysisCallbacks{
//	        InjectMessage: func(parent sandbox.Parent, data []byte) error {
//	            return router.Route(data)
//	        },
//	    }),
//	)
//	if err != nil {
//	    return err
//	}
//	defer sb.Destroy()
//
//	err = sb.ProcessAnalysis(data)
//	switch sandbox.Code(err) {
//	case sandbox.CodeOK:
//	case sandbox.CodeFatal:
//	    log.Printf("sandbox terminated: %s", sb.LastError())
//	}
//
// States only move forward: Unknown, Starting, Running, Terminated. A quota
// violation or a script fault terminates the sandbox and latches the error
// returned by LastError. A failing host callback aborts the current call
// only.
//
// # Script API
//
// Every role has read_config, decode_message and encode_message in
// addition to print, log and a restricted require. Analysis and output
// scripts read the current message with read_message. The role specific
// functions are inject_message (input, analysis), add_to_payload and
// inject_payload (analysis) and update_checkpoint (output).
package sandbox
