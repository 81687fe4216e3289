package protocol

const (
	ErrUnknown          = "E_UNKNOWN"
	ErrBadRequest       = "E_BAD_REQUEST"
	ErrInvalidAccountID = "E_INVALID_ACCOUNT_ID"
	ErrUpgradeRequired  = "E_UPGRADE_REQUIRED"
	ErrUnauthenticated  = "E_UNAUTHENTICATED"
	ErrPermissionDenied = "E_PERMISSION_DENIED"
	ErrInvalidTerritory = "E_INVALID_TERRITORY"
	ErrNotEnoughData    = "E_NOT_ENOUGH_DATA"
)

var knownCodes = map[string]struct{}{
	ErrUnknown:          {},
	ErrBadRequest:       {},
	ErrInvalidAccountID: {},
	ErrUpgradeRequired:  {},
	ErrUnauthenticated:  {},
	ErrPermissionDenied: {},
	ErrInvalidTerritory: {},
	ErrNotEnoughData:    {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
