// Package transport manages the push-channel websocket connection to the
// conversation broker.
//
// A Client holds at most one subscription: the topic of the conversation
// whose screen is currently open. Connect returns immediately and the
// client dials in the background, retrying forever at a fixed delay —
// transport failures are never surfaced to the caller, because the
// gateway send path is the reliability fallback. Publish is best-effort
// and silently does nothing unless the client is connected and subscribed
// to that conversation. Disconnect is idempotent and must be called on
// every screen-close path so a defunct handler stops receiving frames.
package transport
