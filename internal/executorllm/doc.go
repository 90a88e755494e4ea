// Package executorllm is the host's LLM executor singleton: it owns the
// process-wide eino ToolCallingChatModel pointed at a local OpenAI-compatible
// completion endpoint, loaded once regardless of how many sessions or turns
// drive prompts through it.
//
// The model source (HuggingFace repo/filename/folder, or a local
// filename/folder) only affects validation and the display name surfaced in
// logs; the actual completion traffic always goes out over HTTP via
// eino-ext's openai model component, matching how the host's executor
// process is expected to front a model server rather than link one in.
package executorllm
