// Package agentpool manages a pool of agent subprocess sessions.
//
// Each session wraps one subprocess speaking a newline-framed JSON protocol
// on its standard streams. The pool spawns sessions up to a configured
// capacity, buffers each session's output in a fixed-size ring readable at
// any time, routes prompts and permission decisions, and terminates
// sessions gracefully with a bounded wait before force-killing.
//
// # Basic Usage
//
//	ctx := context.Background()
//	pool, err := agentpool.New(
//	    agentpool.WithProgram("claude"),
//	    agentpool.WithMaxSessions(4),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer pool.Close(ctx)
//
//	id, err := pool.Spawn(ctx, agentpool.SpawnRequest{
//	    Task: "Summarize the README in this directory",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	page, err := pool.Output(id, 0, 100)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	for _, entry := range page.Messages {
//	    if m, ok := entry.Msg.(*agentpool.AssistantMessage); ok {
//	        fmt.Println(m.Text())
//	    }
//	}
//
// Output reads are non-destructive and resumable: each buffered message
// carries a monotonically increasing sequence number, and a page reports
// the sequence to resume from plus whether older output was already
// evicted from the ring.
//
// # Errors
//
// All errors produced by this package implement the PoolError marker
// interface and can be matched with errors.AsType against the concrete
// types, for example CapacityError when the pool is full or
// SessionNotActiveError when prompting an ended session.
package agentpool
