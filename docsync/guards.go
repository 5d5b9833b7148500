package docsync

// Conflict guards: stateless checks over the before/after content of an
// inbound update. The orchestrator consults them before surfacing a change
// to subscribers.

type guardAction int

const (
	// surface the change to subscribers
	guardNotify guardAction = iota
	// our own write reflected back by the round-trip; do not notify
	guardSuppressEcho
	// a hazardous non-empty -> empty transition; re-assert the previous
	// content and push it back to the peer instead of notifying
	guardRestoreContent
)

// checkInboundContent applies echo suppression then the content-loss guard.
//
// The content-loss guard deliberately favors non-empty content: an inbound
// empty state is treated as a racing empty initial state, never as an
// intentional clear. This is a known approximation; the protocol carries no
// intent, so "peer emptied on purpose" is indistinguishable here.
func checkInboundContent(lastPushed string, hasLastPushed bool, beforeContent string, afterContent string) guardAction {
	if hasLastPushed && afterContent == lastPushed {
		return guardSuppressEcho
	}
	if beforeContent != "" && afterContent == "" {
		return guardRestoreContent
	}
	return guardNotify
}
