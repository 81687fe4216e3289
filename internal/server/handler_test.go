package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/PunishXIV/PalacePal/internal/protocol"
)

func startTestServer(t *testing.T) (*Store, *websocket.Conn) {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "palserver.db"), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	srv, err := New(store, []byte("test-secret"), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return store, conn
}

func ask(t *testing.T, conn *websocket.Conn, req, reply any) {
	t.Helper()
	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if err := json.Unmarshal(msg, reply); err != nil {
		t.Fatalf("Unmarshal reply: %v", err)
	}
}

func login(t *testing.T, conn *websocket.Conn) (accountID, token string) {
	t.Helper()
	var created protocol.CreateAccountReply
	ask(t, conn, protocol.CreateAccountRequest{Type: protocol.TypeCreateAccount, Version: protocol.Version}, &created)
	if !created.Success || created.AccountID == "" {
		t.Fatalf("create account failed: %+v", created)
	}
	var loggedIn protocol.LoginReply
	ask(t, conn, protocol.LoginRequest{
		Type: protocol.TypeLogin, AccountID: created.AccountID, Version: protocol.Version,
	}, &loggedIn)
	if !loggedIn.Success || loggedIn.AuthToken == "" {
		t.Fatalf("login failed: %+v", loggedIn)
	}
	return created.AccountID, loggedIn.AuthToken
}

func TestCreateAccount_SameOriginReusesAccount(t *testing.T) {
	_, conn := startTestServer(t)

	var first, second protocol.CreateAccountReply
	ask(t, conn, protocol.CreateAccountRequest{Type: protocol.TypeCreateAccount, Version: protocol.Version}, &first)
	ask(t, conn, protocol.CreateAccountRequest{Type: protocol.TypeCreateAccount, Version: protocol.Version}, &second)
	if !first.Success || !second.Success {
		t.Fatalf("create account failed: %+v / %+v", first, second)
	}
	if first.AccountID != second.AccountID {
		t.Fatalf("accounts differ: %s vs %s", first.AccountID, second.AccountID)
	}
}

func TestLogin_UnknownAccount(t *testing.T) {
	_, conn := startTestServer(t)

	var reply protocol.LoginReply
	ask(t, conn, protocol.LoginRequest{
		Type: protocol.TypeLogin, AccountID: "77777777-7777-7777-7777-777777777777", Version: protocol.Version,
	}, &reply)
	if reply.Success || reply.Error != protocol.ErrInvalidAccountID {
		t.Fatalf("reply = %+v, want %s", reply, protocol.ErrInvalidAccountID)
	}
}

func TestVerify_RejectsBadToken(t *testing.T) {
	_, conn := startTestServer(t)
	_, token := login(t, conn)

	var ok protocol.VerifyReply
	ask(t, conn, protocol.VerifyRequest{Type: protocol.TypeVerify, AuthToken: token}, &ok)
	if !ok.Success {
		t.Fatalf("verify failed: %+v", ok)
	}

	var bad protocol.VerifyReply
	ask(t, conn, protocol.VerifyRequest{Type: protocol.TypeVerify, AuthToken: token + "x"}, &bad)
	if bad.Success || bad.Error != protocol.ErrUnauthenticated {
		t.Fatalf("reply = %+v, want %s", bad, protocol.ErrUnauthenticated)
	}
}

func TestUploadDownload_DedupBySpatialEquality(t *testing.T) {
	_, conn := startTestServer(t)
	_, token := login(t, conn)

	upload := protocol.UploadRequest{
		Type: protocol.TypeUpload, AuthToken: token, TerritoryType: 561,
		Objects: []protocol.NetworkObject{
			{Type: protocol.ObjectTrap, X: 10.0, Y: 0, Z: 5.0},
			{Type: protocol.ObjectHoard, X: 3, Y: 0, Z: 7},
		},
	}
	var first protocol.UploadReply
	ask(t, conn, upload, &first)
	if !first.Success || len(first.Objects) != 2 {
		t.Fatalf("upload failed: %+v", first)
	}
	for i, obj := range first.Objects {
		if obj.NetworkID == "" {
			t.Fatalf("object %d has no network id", i)
		}
	}

	// The same trap reported from a slightly different position resolves to
	// the existing id.
	upload.Objects = []protocol.NetworkObject{{Type: protocol.ObjectTrap, X: 10.02, Y: 0.01, Z: 5.01}}
	var second protocol.UploadReply
	ask(t, conn, upload, &second)
	if !second.Success || len(second.Objects) != 1 {
		t.Fatalf("second upload failed: %+v", second)
	}
	if second.Objects[0].NetworkID != first.Objects[0].NetworkID {
		t.Fatalf("dedup failed: %s vs %s", second.Objects[0].NetworkID, first.Objects[0].NetworkID)
	}

	var download protocol.DownloadReply
	ask(t, conn, protocol.DownloadRequest{
		Type: protocol.TypeDownload, AuthToken: token, TerritoryType: 561,
	}, &download)
	if !download.Success || len(download.Objects) != 2 {
		t.Fatalf("download = %+v, want 2 objects", download)
	}
}

func TestDownload_UnknownTerritory(t *testing.T) {
	_, conn := startTestServer(t)
	_, token := login(t, conn)

	var reply protocol.DownloadReply
	ask(t, conn, protocol.DownloadRequest{
		Type: protocol.TypeDownload, AuthToken: token, TerritoryType: 9999,
	}, &reply)
	if reply.Success || reply.Error != protocol.ErrInvalidTerritory {
		t.Fatalf("reply = %+v, want %s", reply, protocol.ErrInvalidTerritory)
	}
}

func TestStatistics_RequiresRole(t *testing.T) {
	store, conn := startTestServer(t)
	accountID, token := login(t, conn)

	var denied protocol.StatisticsReply
	ask(t, conn, protocol.StatisticsRequest{Type: protocol.TypeStatistics, AuthToken: token}, &denied)
	if denied.Success || denied.Error != protocol.ErrPermissionDenied {
		t.Fatalf("reply = %+v, want %s", denied, protocol.ErrPermissionDenied)
	}

	if err := store.GrantRole(accountID, RoleStatisticsView); err != nil {
		t.Fatalf("GrantRole: %v", err)
	}
	// Roles live in the token, so a fresh login is needed.
	var refreshed protocol.LoginReply
	ask(t, conn, protocol.LoginRequest{
		Type: protocol.TypeLogin, AccountID: accountID, Version: protocol.Version,
	}, &refreshed)

	var upload protocol.UploadReply
	ask(t, conn, protocol.UploadRequest{
		Type: protocol.TypeUpload, AuthToken: refreshed.AuthToken, TerritoryType: 561,
		Objects: []protocol.NetworkObject{{Type: protocol.ObjectTrap, X: 1, Y: 0, Z: 1}},
	}, &upload)

	var stats protocol.StatisticsReply
	ask(t, conn, protocol.StatisticsRequest{Type: protocol.TypeStatistics, AuthToken: refreshed.AuthToken}, &stats)
	if !stats.Success {
		t.Fatalf("statistics failed: %+v", stats)
	}
	found := false
	for _, fl := range stats.Floors {
		if fl.TerritoryType == 561 {
			found = true
			if fl.TrapCount != 1 || fl.HoardCount != 0 {
				t.Fatalf("counts = %+v", fl)
			}
		}
	}
	if !found {
		t.Fatalf("territory 561 missing from %+v", stats.Floors)
	}
}

func TestExport_RequiresConfirmations(t *testing.T) {
	store, conn := startTestServer(t)
	accountID, token := login(t, conn)

	var upload protocol.UploadReply
	ask(t, conn, protocol.UploadRequest{
		Type: protocol.TypeUpload, AuthToken: token, TerritoryType: 561,
		Objects: []protocol.NetworkObject{{Type: protocol.ObjectTrap, X: 10, Y: 0, Z: 5}},
	}, &upload)
	if !upload.Success {
		t.Fatalf("upload failed: %+v", upload)
	}
	locationID := upload.Objects[0].NetworkID

	if err := store.GrantRole(accountID, RoleExportRun); err != nil {
		t.Fatalf("GrantRole: %v", err)
	}
	var refreshed protocol.LoginReply
	ask(t, conn, protocol.LoginRequest{
		Type: protocol.TypeLogin, AccountID: accountID, Version: protocol.Version,
	}, &refreshed)
	token = refreshed.AuthToken

	var tooFew protocol.ExportReply
	ask(t, conn, protocol.ExportRequest{
		Type: protocol.TypeExport, AuthToken: token, ServerURL: "wss://example.com/ws",
	}, &tooFew)
	if tooFew.Success || tooFew.Error != protocol.ErrNotEnoughData {
		t.Fatalf("reply = %+v, want %s", tooFew, protocol.ErrNotEnoughData)
	}

	// Ten distinct accounts confirm the trap.
	for i := 0; i < ExportMinimumSightings; i++ {
		other, err := store.CreateAccount(fmt.Sprintf("witness-%d", i), fmt.Sprintf("origin-%d", i))
		if err != nil {
			t.Fatalf("CreateAccount: %v", err)
		}
		if err := store.MarkSeen(other.ID, []string{locationID}); err != nil {
			t.Fatalf("MarkSeen: %v", err)
		}
	}

	var exported protocol.ExportReply
	ask(t, conn, protocol.ExportRequest{
		Type: protocol.TypeExport, AuthToken: token, ServerURL: "wss://example.com/ws",
	}, &exported)
	if !exported.Success {
		t.Fatalf("export failed: %+v", exported)
	}
	if exported.ExportID == "" || len(exported.Floors) != 1 || len(exported.Floors[0].Objects) != 1 {
		t.Fatalf("export = %+v", exported)
	}
}

func TestCreateAccount_UpgradeRequired(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "palserver.db"), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.SetSetting(settingMinimumClientVersion, "99.0"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}

	srv, err := New(store, []byte("test-secret"), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	var reply protocol.CreateAccountReply
	ask(t, conn, protocol.CreateAccountRequest{Type: protocol.TypeCreateAccount, Version: protocol.Version}, &reply)
	if reply.Success || reply.Error != protocol.ErrUpgradeRequired {
		t.Fatalf("reply = %+v, want %s", reply, protocol.ErrUpgradeRequired)
	}
}

func TestDispatch_RejectsMalformedRequests(t *testing.T) {
	_, conn := startTestServer(t)

	// Missing required account_id fails schema validation.
	var reply protocol.ReplyHeader
	ask(t, conn, map[string]any{"type": protocol.TypeLogin, "version": protocol.Version}, &reply)
	if reply.Success || reply.Error != protocol.ErrBadRequest {
		t.Fatalf("reply = %+v, want %s", reply, protocol.ErrBadRequest)
	}

	ask(t, conn, map[string]any{"type": "NONSENSE"}, &reply)
	if reply.Success || reply.Error != protocol.ErrBadRequest {
		t.Fatalf("reply = %+v, want %s", reply, protocol.ErrBadRequest)
	}
}
