package docsync

type SyncStatus string

const (
	SyncStatusIdle       SyncStatus = "idle"
	SyncStatusConnecting SyncStatus = "connecting"
	SyncStatusSyncing    SyncStatus = "syncing"
	SyncStatusSynced     SyncStatus = "synced"
	SyncStatusError      SyncStatus = "error"
)

// controlMessage is the JSON side-channel carried on text frames, routed
// separately from the binary sync protocol.
type controlMessage struct {
	Type      string `json:"type"`
	Completed int    `json:"completed,omitempty"`
	Total     int    `json:"total,omitempty"`
}

const controlTypeSyncProgress = "sync_progress"
