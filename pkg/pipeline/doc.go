// Package pipeline produces tutor turns.
//
// ProcessInput runs one learner input through transcription, correction,
// reply generation and speech synthesis, emitting frames in the order
// transcription, correction, response. Avatar video is started last and
// delivered later by the video supervisor. Greet produces the opening turn of
// a session.
//
// Only transcription failure aborts a turn. Every other provider failure
// degrades the turn (no corrections, apology reply, text-only response, no
// video) and persistence is best-effort.
package pipeline
