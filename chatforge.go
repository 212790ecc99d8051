// Package chatforge is the orchestration core of a conversational AI backend
// that fans a single user query out to multiple document-process knowledge
// backends and merges their streamed answers into one superseding response.
//
// The entry points are the actors:
//
//	session.FlowActor      top-level per-session orchestrator (fan-out/fan-in)
//	conversation.Actor     owns one single-topic backend conversation
//	workflow.Actor         five-role requirement-gathering state machine
//
// Supporting services live in registry/ (backend ⇄ session index on redis),
// lease/ (admission control), persistence/ (durable state) and the
// collaborator ports in llm/, retrieval/, directory/ and notify/.
package chatforge

// Version is the chatforge release version.
const Version = "0.4.0"
