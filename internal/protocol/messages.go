package protocol

import "time"

// Object types on the wire. Coffers never leave the client.
const (
	ObjectTrap  = 1
	ObjectHoard = 2
)

// NetworkObject is one trap or hoard location. NetworkID is assigned by the
// server; upload requests leave it empty.
type NetworkObject struct {
	NetworkID string  `json:"network_id,omitempty"`
	Type      int     `json:"object_type"`
	X         float32 `json:"x"`
	Y         float32 `json:"y"`
	Z         float32 `json:"z"`
}

// ReplyHeader is embedded in every server reply. Error carries one of the
// E_* codes when Success is false.
type ReplyHeader struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// CREATE_ACCOUNT (client -> server). Version is the client version; outdated
// clients are rejected with E_UPGRADE_REQUIRED.
type CreateAccountRequest struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Version string `json:"version"`
}

type CreateAccountReply struct {
	ReplyHeader
	AccountID string `json:"account_id,omitempty"`
}

// LOGIN (client -> server).
type LoginRequest struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	AccountID string `json:"account_id"`
	Version   string `json:"version"`
}

type LoginReply struct {
	ReplyHeader
	AuthToken string    `json:"auth_token,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// VERIFY (client -> server): checks that a cached token is still accepted.
type VerifyRequest struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	AuthToken string `json:"auth_token"`
}

type VerifyReply struct {
	ReplyHeader
}

// DOWNLOAD_FLOORS (client -> server).
type DownloadRequest struct {
	Type          string `json:"type"`
	ID            string `json:"id,omitempty"`
	AuthToken     string `json:"auth_token"`
	TerritoryType uint16 `json:"territory_type"`
}

type DownloadReply struct {
	ReplyHeader
	TerritoryType uint16          `json:"territory_type"`
	Objects       []NetworkObject `json:"objects"`
}

// UPLOAD_FLOORS (client -> server). The reply echoes the uploaded objects
// with their assigned or pre-existing network ids, in request order.
type UploadRequest struct {
	Type          string          `json:"type"`
	ID            string          `json:"id,omitempty"`
	AuthToken     string          `json:"auth_token"`
	TerritoryType uint16          `json:"territory_type"`
	Objects       []NetworkObject `json:"objects"`
}

type UploadReply struct {
	ReplyHeader
	TerritoryType uint16          `json:"territory_type"`
	Objects       []NetworkObject `json:"objects"`
}

// MARK_SEEN (client -> server).
type MarkSeenRequest struct {
	Type          string   `json:"type"`
	ID            string   `json:"id,omitempty"`
	AuthToken     string   `json:"auth_token"`
	TerritoryType uint16   `json:"territory_type"`
	NetworkIDs    []string `json:"network_ids"`
}

type MarkSeenReply struct {
	ReplyHeader
}

// STATISTICS (client -> server); requires the statistics:view role.
type StatisticsRequest struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	AuthToken string `json:"auth_token"`
}

type FloorStatistics struct {
	TerritoryType uint16 `json:"territory_type"`
	TrapCount     int    `json:"trap_count"`
	HoardCount    int    `json:"hoard_count"`
}

type StatisticsReply struct {
	ReplyHeader
	Floors []FloorStatistics `json:"floors"`
}

// EXPORT (client -> server); requires the export:run role. The reply carries
// the snapshot payload; the client writes the snapshot file itself.
type ExportRequest struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	AuthToken string `json:"auth_token"`
	ServerURL string `json:"server_url"`
}

type ExportFloor struct {
	TerritoryType uint16          `json:"territory_type"`
	Objects       []NetworkObject `json:"objects"`
}

type ExportReply struct {
	ReplyHeader
	ExportID  string        `json:"export_id,omitempty"`
	ServerURL string        `json:"server_url,omitempty"`
	CreatedAt time.Time     `json:"created_at,omitempty"`
	Floors    []ExportFloor `json:"floors,omitempty"`
}
