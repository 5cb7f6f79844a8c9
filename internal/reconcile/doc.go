// Package reconcile merges a conversation's two delivery paths into one
// consistent message list.
//
// # The two paths
//
// A sent message travels twice: the gateway send path returns the
// authoritative persisted copy, and the broker may echo the published
// frame back over the push channel. Inbound messages from the other
// participant arrive only on the push channel, but a reconnect can replay
// recent frames. Both paths feed one Session.
//
// # Optimistic echo
//
// On a local send the Session appends an entry immediately, before any
// network round trip, so the UI hides send latency. The entry carries a
// client-generated correlation id that also rides on the publish frame
// and the gateway request:
//
//	corrID := uuid.New()
//	append optimistic entry          (visible now)
//	Publish(frame{corrID})           (best effort)
//	SendMessage(req{corrID})         (authoritative)
//
// When the gateway resolves, the authoritative copy replaces the
// optimistic entry of that send call, keyed by the call's own correlation
// id — never by sender+text equality, so two rapid sends of identical
// text remain two entries.
//
// # Push acceptance
//
// A frame whose correlation id was already seen is an own-echo or a
// redelivery and is dropped. A frame from the local user without a
// correlation id is presumed to be an echo and discarded. Everything else
// is appended in arrival order and reported through OnInbound, which the
// read-state synchronizer uses to re-arm mark-as-read.
//
// # Ambiguity
//
// An authoritative response that cannot be paired with a pending entry is
// appended rather than dropped: an occasional visible duplicate is
// preferred over a lost message.
package reconcile
