// Package agent runs the tool loop behind every chat turn. The selected
// model sees the thread transcript and the available tools; tool calls are
// executed and fed back until the model answers in plain text or the turn
// budget runs out. Transcripts live in a storage.CheckpointStore keyed by
// thread id, and progress is reported as Events for streaming clients.
package agent
