// Package protocol defines the JSON messages exchanged between the client
// and the remote authority. Every message carries a type for routing and a
// request id so replies can be matched to the request that caused them.
package protocol

import "encoding/json"

const Version = "2.0"

// Message types.
const (
	TypeCreateAccount = "CREATE_ACCOUNT"
	TypeLogin         = "LOGIN"
	TypeVerify        = "VERIFY"
	TypeDownload      = "DOWNLOAD_FLOORS"
	TypeUpload        = "UPLOAD_FLOORS"
	TypeMarkSeen      = "MARK_SEEN"
	TypeStatistics    = "STATISTICS"
	TypeExport        = "EXPORT"
)

// BaseMessage lets us route unknown JSON messages by type and correlate
// replies by id.
type BaseMessage struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
