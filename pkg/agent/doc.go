// Package agent drives one goal through a Plan, Execute, Critic state
// machine until it terminates.
//
// Invariants:
// - The transcript only ever grows; prompt assembly works on a bounded
//   view, never by rewriting stored turns.
// - Every tool call is followed by exactly one tool result before the
//   next provider turn is requested.
// - A cycle budget bounds Plan/Critic iterations; exhausting it ends the
//   session instead of looping.
// - Stateful tools are released on every exit path, including failure
//   and cancellation.
//
// An Engine owns exactly one session. Build a fresh Engine (with a fresh
// provider router) per goal:
//
//	eng, _ := agent.New(agent.Config{
//		Router:   router,
//		Executor: executor,
//		Sessions: sessions,
//	})
//	result, err := eng.Run(ctx, agent.RunParams{
//		SessionKey: "run-1",
//		Goal:       "What is 2+2? Then say DONE.",
//	})
package agent
