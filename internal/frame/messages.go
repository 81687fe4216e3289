package frame

import (
	"github.com/PunishXIV/PalacePal/internal/export"
	"github.com/PunishXIV/PalacePal/internal/protocol"
)

// Message is anything queued for the tick goroutine. Early messages are
// handled before the territory is evaluated, late messages afterwards.
type Message interface {
	isMessage()
}

// ConfigUpdate forces a layout rebuild on the next merge, e.g. after the
// render distance changed.
type ConfigUpdate struct{}

func (ConfigUpdate) isMessage() {}

// ImportRequest carries a decoded snapshot to ingest.
type ImportRequest struct {
	Root *export.Root
}

func (ImportRequest) isMessage() {}

// UndoImportRequest removes a previously ingested batch.
type UndoImportRequest struct {
	ExportID string
}

func (UndoImportRequest) isMessage() {}

type SyncKind int

const (
	SyncDownload SyncKind = iota
	SyncUpload
	SyncMarkSeen
)

func (k SyncKind) String() string {
	switch k {
	case SyncDownload:
		return "download"
	case SyncUpload:
		return "upload"
	case SyncMarkSeen:
		return "mark-seen"
	default:
		return "unknown"
	}
}

// SyncResponse is the outcome of a network operation, queued back to the
// tick goroutine. Responses for a territory the player already left are
// discarded on arrival.
type SyncResponse struct {
	Kind          SyncKind
	TerritoryType uint16
	Success       bool
	Objects       []protocol.NetworkObject
}

func (SyncResponse) isMessage() {}
