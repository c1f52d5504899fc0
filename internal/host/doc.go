// Package host runs the sandboxes of a definitions file.
//
// Every sandbox is owned by a Worker goroutine that serialises the calls
// made into it. A Router fans messages out to the analysis and output
// sandboxes whose matcher accepts them, and messages injected by a sandbox
// travel through the same Router. Input checkpoints and output
// acknowledgements are kept in a CheckpointStore.
//
//	m := host.NewManager(file, host.WithCheckpointStore(store))
//	if err := m.Start(); err != nil {
//	    log.Print(err)
//	}
//	go m.Run(ctx)
//	err := m.Dispatch(ctx, data)
package host
