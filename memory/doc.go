// Package memory implements the three-tier memory system behind the agent:
// working, episodic, and semantic memory, plus the consolidator that moves
// content between tiers.
//
// Tiers:
//   - Working memory: per-conversation bounded window of recent turns,
//     in-process only, FIFO eviction.
//   - Episodic memory: append-only, embedding-indexed summaries of past
//     conversation segments, queried by vector similarity.
//   - Semantic memory: durable facts about entities (usually users),
//     upserted idempotently and queryable independently of any embedding
//     model lifecycle.
//
// The Consolidator periodically snapshots a conversation's working memory,
// extracts facts into the semantic store, summarizes the snapshot into one
// episodic record, and marks the snapshot consolidated so the window may
// evict it. Consolidation is safe to re-run on overlapping snapshots.
//
// Storage backends and embedding providers are capability interfaces; the
// SDK ships a chromem-go vector index, a Redis fact store, and mock/OpenAI/
// ONNX embedders. Production deployments can swap any of them.
package memory
