// Package provider defines the capability interfaces the tutoring engine calls
// through and their vendor-backed implementations.
//
// Transcriber, Corrector, Responder, Synthesizer and AvatarRenderer are narrow
// interfaces; the pipeline never sees an SDK type. LLM-backed capabilities share
// the LLMProvider abstraction so OpenAI-compatible endpoints and Anthropic can
// be swapped by configuration.
//
// Usage:
//
//	set, err := provider.Build(cfg.Providers)
//	text, err := set.Transcriber.Transcribe(ctx, audio)
package provider
