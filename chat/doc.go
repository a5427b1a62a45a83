// Package chat runs one IRC session per requested Twitch channel and routes
// its messages.
//
// A session is created by Manager.Start, normally driven by Manager.Listen
// from the Redis control channel. Setup walks a fixed sequence of stages:
//   - load the stored user token
//   - resolve the channel identity through Helix
//   - build the emote index
//   - connect and join, waiting for the server's JOIN echo
//
// Any failure closes that one session and is reported as a *SessionError
// wrapping ErrCredential, ErrMetadata or ErrJoin. Once joined, a dedicated
// goroutine feeds every event, in arrival order, through Router.Route, which
// publishes an enriched Message and appends a "sender: text" line to the
// channel's activity set.
//
// StartAutoWatch polls Helix for a configured list of channels and issues a
// control request whenever one is live without a running session.
package chat
