// Package remote is the websocket client for the remote authority. All
// methods are safe for concurrent use; requests are serialized on a single
// connection and correlated by request id.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/PunishXIV/PalacePal/internal/config"
	"github.com/PunishXIV/PalacePal/internal/protocol"
)

// Request deadlines. Export ships the whole confirmed pool and gets the
// longest one.
const (
	objectTimeout     = 10 * time.Second
	statisticsTimeout = 30 * time.Second
	exportTimeout     = 120 * time.Second

	// loginGrace re-logs in slightly before the token actually lapses.
	loginGrace = 5 * time.Minute
)

var (
	ErrOffline         = errors.New("remote: offline mode")
	ErrNotConnected    = errors.New("remote: not connected")
	ErrUpgradeRequired = errors.New("remote: server requires a newer client")
)

// ServerError is a reply-level failure with one of the protocol's E_* codes.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Chat shows user-visible messages; the daemon routes them to its output.
type Chat interface {
	Print(message string)
	Error(message string)
}

type loginInfo struct {
	token     string
	claims    *tokenClaims
	expiresAt time.Time
}

func (l *loginInfo) valid(now time.Time) bool {
	return l != nil && now.Before(l.expiresAt.Add(-loginGrace))
}

type API struct {
	log     *log.Logger
	cfg     *config.Manager
	chat    Chat
	version string

	// mu serializes connection establishment and request round trips; the
	// protocol allows a single in-flight request per connection.
	mu    sync.Mutex
	conn  *websocket.Conn
	login *loginInfo

	warnedAboutUpgrade bool
	reqID              atomic.Uint64
}

func NewAPI(logger *log.Logger, cfg *config.Manager, chat Chat, version string) *API {
	return &API{log: logger, cfg: cfg, chat: chat, version: version}
}

func (a *API) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.login = nil
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	return err
}

// connectResult distinguishes a failed login that is worth retrying with a
// fresh account from one that is not.
type connectResult int

const (
	connected connectResult = iota
	retryWithoutAccount
	failed
)

// ensureConnected dials and logs in if needed. A login rejected with
// E_INVALID_ACCOUNT_ID clears the stored account and retries exactly once.
// Caller holds a.mu.
func (a *API) ensureConnectedLocked(ctx context.Context) error {
	if a.cfg.Mode() != config.ModeOnline {
		return ErrOffline
	}
	if a.login.valid(time.Now()) && a.conn != nil {
		return nil
	}

	result, err := a.connectLocked(ctx)
	if result == retryWithoutAccount {
		a.log.Printf("stored account rejected, creating a new one")
		result, err = a.connectLocked(ctx)
	}
	if result != connected {
		return err
	}
	return nil
}

func (a *API) connectLocked(ctx context.Context) (connectResult, error) {
	cfg := a.cfg.Config()
	if cfg.ServerURL == "" {
		return failed, fmt.Errorf("remote: no server url configured")
	}

	if a.conn == nil {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.ServerURL, nil)
		if err != nil {
			return failed, fmt.Errorf("remote: dial %s: %w", cfg.ServerURL, err)
		}
		a.conn = conn
	}

	account := cfg.FindAccount(cfg.ServerURL)
	if account == nil {
		accountID, err := a.createAccountLocked(ctx, cfg.ServerURL)
		if err != nil {
			return failed, err
		}
		account = &config.Account{Server: cfg.ServerURL, AccountID: accountID}
	}

	login := protocol.LoginRequest{
		Type:      protocol.TypeLogin,
		AccountID: account.AccountID,
		Version:   protocol.Version,
	}
	var reply protocol.LoginReply
	if err := a.roundTripLocked(ctx, objectTimeout, login.Type, &login, &reply); err != nil {
		return failed, err
	}
	if !reply.Success {
		switch reply.Error {
		case protocol.ErrInvalidAccountID:
			if err := a.cfg.Update(func(c *config.Config) { c.RemoveAccount(cfg.ServerURL) }); err != nil {
				return failed, err
			}
			return retryWithoutAccount, &ServerError{Code: reply.Error, Message: reply.Message}
		case protocol.ErrUpgradeRequired:
			a.warnUpgrade()
			return failed, ErrUpgradeRequired
		default:
			return failed, &ServerError{Code: reply.Error, Message: reply.Message}
		}
	}

	claims, err := parseClaims(reply.AuthToken)
	if err != nil {
		return failed, err
	}
	a.login = &loginInfo{token: reply.AuthToken, claims: claims, expiresAt: claims.expiry()}

	// Cache the roles so privileged menu entries survive a restart while
	// offline.
	roles := claims.roles()
	if err := a.cfg.Update(func(c *config.Config) {
		if acc := c.FindAccount(cfg.ServerURL); acc != nil {
			acc.CachedRoles = append([]string(nil), roles...)
		}
	}); err != nil {
		a.log.Printf("caching roles: %v", err)
	}
	a.log.Printf("logged in as %s", config.PartialID(claims.NameID))
	return connected, nil
}

func (a *API) createAccountLocked(ctx context.Context, serverURL string) (string, error) {
	req := protocol.CreateAccountRequest{
		Type:    protocol.TypeCreateAccount,
		Version: protocol.Version,
	}
	var reply protocol.CreateAccountReply
	if err := a.roundTripLocked(ctx, objectTimeout, req.Type, &req, &reply); err != nil {
		return "", err
	}
	if !reply.Success {
		if reply.Error == protocol.ErrUpgradeRequired {
			a.warnUpgrade()
			return "", ErrUpgradeRequired
		}
		return "", &ServerError{Code: reply.Error, Message: reply.Message}
	}
	if err := a.cfg.Update(func(c *config.Config) {
		c.CreateAccount(serverURL, reply.AccountID)
	}); err != nil {
		return "", err
	}
	a.log.Printf("assigned account %s", config.PartialID(reply.AccountID))
	return reply.AccountID, nil
}

// warnUpgrade tells the user once per session that the server refused this
// client version.
func (a *API) warnUpgrade() {
	if a.warnedAboutUpgrade {
		return
	}
	a.warnedAboutUpgrade = true
	if a.chat != nil {
		a.chat.Error("The server requires a newer client version; sync is disabled until you update.")
	}
}

// roundTripLocked sends one request and waits for the matching reply.
// Replies for other request ids are discarded. Caller holds a.mu.
func (a *API) roundTripLocked(ctx context.Context, timeout time.Duration,
	msgType string, req, reply any) error {

	if a.conn == nil {
		return ErrNotConnected
	}

	id := strconv.FormatUint(a.reqID.Add(1), 10)
	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}
	// Stamp the id without knowing the concrete request type.
	var withID map[string]any
	_ = json.Unmarshal(raw, &withID)
	withID["id"] = id
	raw, _ = json.Marshal(withID)

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	_ = a.conn.SetWriteDeadline(deadline)
	if err := a.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		a.dropConnLocked()
		return fmt.Errorf("remote: %s: %w", msgType, err)
	}

	for {
		_ = a.conn.SetReadDeadline(deadline)
		_, msg, err := a.conn.ReadMessage()
		if err != nil {
			a.dropConnLocked()
			return fmt.Errorf("remote: %s: %w", msgType, err)
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil || base.ID != id {
			continue
		}
		return json.Unmarshal(msg, reply)
	}
}

func (a *API) dropConnLocked() {
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
	a.login = nil
}

// call runs fn with an established login, retrying once when the server no
// longer accepts the token.
func (a *API) call(ctx context.Context, fn func() (*protocol.ReplyHeader, error)) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for attempt := 0; attempt < 2; attempt++ {
		if err := a.ensureConnectedLocked(ctx); err != nil {
			return err
		}
		header, err := fn()
		if err != nil {
			return err
		}
		if header.Success {
			return nil
		}
		if header.Error == protocol.ErrUnauthenticated && attempt == 0 {
			a.login = nil
			continue
		}
		if !protocol.IsKnownCode(header.Error) {
			a.log.Printf("server returned unknown error code %q", header.Error)
		}
		return &ServerError{Code: header.Error, Message: header.Message}
	}
	return ErrNotConnected
}

// VerifyConnection checks that the server is reachable and the token valid.
func (a *API) VerifyConnection(ctx context.Context) error {
	return a.call(ctx, func() (*protocol.ReplyHeader, error) {
		req := protocol.VerifyRequest{Type: protocol.TypeVerify, AuthToken: a.login.token}
		var reply protocol.VerifyReply
		if err := a.roundTripLocked(ctx, objectTimeout, req.Type, &req, &reply); err != nil {
			return nil, err
		}
		return &reply.ReplyHeader, nil
	})
}

// DownloadRemoteMarkers fetches all locations the server knows for the
// territory.
func (a *API) DownloadRemoteMarkers(ctx context.Context, territoryType uint16) ([]protocol.NetworkObject, error) {
	var objects []protocol.NetworkObject
	err := a.call(ctx, func() (*protocol.ReplyHeader, error) {
		req := protocol.DownloadRequest{
			Type:          protocol.TypeDownload,
			AuthToken:     a.login.token,
			TerritoryType: territoryType,
		}
		var reply protocol.DownloadReply
		if err := a.roundTripLocked(ctx, objectTimeout, req.Type, &req, &reply); err != nil {
			return nil, err
		}
		objects = reply.Objects
		return &reply.ReplyHeader, nil
	})
	return objects, err
}

// UploadLocations submits locally discovered locations; the reply carries
// their network ids in request order.
func (a *API) UploadLocations(ctx context.Context, territoryType uint16,
	objects []protocol.NetworkObject) ([]protocol.NetworkObject, error) {

	if len(objects) == 0 {
		return nil, nil
	}
	var results []protocol.NetworkObject
	err := a.call(ctx, func() (*protocol.ReplyHeader, error) {
		req := protocol.UploadRequest{
			Type:          protocol.TypeUpload,
			AuthToken:     a.login.token,
			TerritoryType: territoryType,
			Objects:       objects,
		}
		var reply protocol.UploadReply
		if err := a.roundTripLocked(ctx, objectTimeout, req.Type, &req, &reply); err != nil {
			return nil, err
		}
		results = reply.Objects
		return &reply.ReplyHeader, nil
	})
	return results, err
}

// MarkAsSeen reports that this account sighted the given locations.
func (a *API) MarkAsSeen(ctx context.Context, territoryType uint16, networkIDs []string) error {
	if len(networkIDs) == 0 {
		return nil
	}
	return a.call(ctx, func() (*protocol.ReplyHeader, error) {
		req := protocol.MarkSeenRequest{
			Type:          protocol.TypeMarkSeen,
			AuthToken:     a.login.token,
			TerritoryType: territoryType,
			NetworkIDs:    networkIDs,
		}
		var reply protocol.MarkSeenReply
		if err := a.roundTripLocked(ctx, objectTimeout, req.Type, &req, &reply); err != nil {
			return nil, err
		}
		return &reply.ReplyHeader, nil
	})
}

// FetchStatistics retrieves per-territory counts; requires statistics:view.
func (a *API) FetchStatistics(ctx context.Context) ([]protocol.FloorStatistics, error) {
	var fls []protocol.FloorStatistics
	err := a.call(ctx, func() (*protocol.ReplyHeader, error) {
		req := protocol.StatisticsRequest{Type: protocol.TypeStatistics, AuthToken: a.login.token}
		var reply protocol.StatisticsReply
		if err := a.roundTripLocked(ctx, statisticsTimeout, req.Type, &req, &reply); err != nil {
			return nil, err
		}
		fls = reply.Floors
		return &reply.ReplyHeader, nil
	})
	return fls, err
}

// Export asks the server for its confirmed pool; requires export:run.
func (a *API) Export(ctx context.Context, serverURL string) (*protocol.ExportReply, error) {
	var result *protocol.ExportReply
	err := a.call(ctx, func() (*protocol.ReplyHeader, error) {
		req := protocol.ExportRequest{
			Type:      protocol.TypeExport,
			AuthToken: a.login.token,
			ServerURL: serverURL,
		}
		var reply protocol.ExportReply
		if err := a.roundTripLocked(ctx, exportTimeout, req.Type, &req, &reply); err != nil {
			return nil, err
		}
		result = &reply
		return &reply.ReplyHeader, nil
	})
	return result, err
}

// HasRoleOnCurrentServer reports whether the live login (or, failing that,
// the cached config) carries the role.
func (a *API) HasRoleOnCurrentServer(role string) bool {
	a.mu.Lock()
	login := a.login
	a.mu.Unlock()
	if login.valid(time.Now()) {
		for _, r := range login.claims.roles() {
			if r == role {
				return true
			}
		}
		return false
	}
	cfg := a.cfg.Config()
	return cfg.HasRoleOnServer(cfg.ServerURL, role)
}
