// Package protocol defines the JSON frames exchanged over a tutoring session's
// websocket connection.
//
// Every frame is an envelope {"type": ..., "data": {...}}. Inbound frames are
// validated against a JSON schema before they are decoded, so the session
// loop only ever sees well-formed audio, text, or control input.
//
// Usage:
//
//	in, err := protocol.Decode(raw)
//	if err != nil {
//		_ = ch.Send(protocol.Error(protocol.CodeInvalidFrame, err.Error()))
//	}
//	_ = ch.Send(protocol.Response(turn.ID, reply, audio))
package protocol
