package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/PunishXIV/PalacePal/internal/floors"
	"github.com/PunishXIV/PalacePal/internal/protocol"
)

// ExportMinimumSightings is the confirmation bar a location must clear before
// it is included in a snapshot export.
const ExportMinimumSightings = 10

const settingMinimumClientVersion = "minimum_client_version"

type Server struct {
	log    *log.Logger
	store  *Store
	tokens *TokenIssuer
	pool   *pool
	secret []byte

	schemas    map[string]*jsonschema.Schema
	minVersion string

	upgrader websocket.Upgrader
}

func New(store *Store, secret []byte, logger *log.Logger) (*Server, error) {
	schemas, err := protocol.CompileRequestSchemas()
	if err != nil {
		return nil, err
	}
	minVersion, err := store.Setting(settingMinimumClientVersion, protocol.Version)
	if err != nil {
		return nil, err
	}
	return &Server{
		log:        logger,
		store:      store,
		tokens:     NewTokenIssuer(secret),
		pool:       newPool(store),
		secret:     secret,
		schemas:    schemas,
		minVersion: minVersion,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}, nil
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetReadLimit(1 << 20)

		origin := s.hashAddress(r.RemoteAddr)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(150 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			reply := s.dispatch(origin, msg)
			if reply == nil {
				continue
			}
			if err := writeJSON(conn, reply); err != nil {
				return
			}
		}
	}
}

// dispatch validates and routes one message, returning the reply to send.
func (s *Server) dispatch(origin string, msg []byte) any {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return errorReply("", "", protocol.ErrBadRequest, "not json")
	}
	schema, ok := s.schemas[base.Type]
	if !ok {
		return errorReply(base.Type, base.ID, protocol.ErrBadRequest, "unknown message type")
	}
	var generic any
	if err := json.Unmarshal(msg, &generic); err != nil {
		return errorReply(base.Type, base.ID, protocol.ErrBadRequest, "not json")
	}
	if err := schema.Validate(generic); err != nil {
		return errorReply(base.Type, base.ID, protocol.ErrBadRequest, "schema validation failed")
	}

	switch base.Type {
	case protocol.TypeCreateAccount:
		var req protocol.CreateAccountRequest
		_ = json.Unmarshal(msg, &req)
		return s.handleCreateAccount(origin, req)
	case protocol.TypeLogin:
		var req protocol.LoginRequest
		_ = json.Unmarshal(msg, &req)
		return s.handleLogin(req)
	case protocol.TypeVerify:
		var req protocol.VerifyRequest
		_ = json.Unmarshal(msg, &req)
		return s.handleVerify(req)
	case protocol.TypeDownload:
		var req protocol.DownloadRequest
		_ = json.Unmarshal(msg, &req)
		return s.handleDownload(req)
	case protocol.TypeUpload:
		var req protocol.UploadRequest
		_ = json.Unmarshal(msg, &req)
		return s.handleUpload(req)
	case protocol.TypeMarkSeen:
		var req protocol.MarkSeenRequest
		_ = json.Unmarshal(msg, &req)
		return s.handleMarkSeen(req)
	case protocol.TypeStatistics:
		var req protocol.StatisticsRequest
		_ = json.Unmarshal(msg, &req)
		return s.handleStatistics(req)
	case protocol.TypeExport:
		var req protocol.ExportRequest
		_ = json.Unmarshal(msg, &req)
		return s.handleExport(req)
	}
	return errorReply(base.Type, base.ID, protocol.ErrBadRequest, "unknown message type")
}

func (s *Server) handleCreateAccount(origin string, req protocol.CreateAccountRequest) any {
	if !versionAtLeast(req.Version, s.minVersion) {
		return errorReply(req.Type, req.ID, protocol.ErrUpgradeRequired, "client too old")
	}
	account, err := s.store.FindAccountByOrigin(origin)
	if err != nil {
		return s.internalError(req.Type, req.ID, err)
	}
	if account == nil {
		account, err = s.store.CreateAccount(uuid.NewString(), origin)
		if err != nil {
			return s.internalError(req.Type, req.ID, err)
		}
		s.log.Printf("created account %s", account.ID)
	}
	return &protocol.CreateAccountReply{
		ReplyHeader: okReply(req.Type, req.ID),
		AccountID:   account.ID,
	}
}

func (s *Server) handleLogin(req protocol.LoginRequest) any {
	if !versionAtLeast(req.Version, s.minVersion) {
		return errorReply(req.Type, req.ID, protocol.ErrUpgradeRequired, "client too old")
	}
	account, err := s.store.FindAccount(req.AccountID)
	if err != nil {
		return s.internalError(req.Type, req.ID, err)
	}
	if account == nil {
		return errorReply(req.Type, req.ID, protocol.ErrInvalidAccountID, "unknown account")
	}
	if err := s.store.TouchAccount(account.ID); err != nil {
		return s.internalError(req.Type, req.ID, err)
	}
	token, expiresAt := s.tokens.Issue(account.ID, account.Roles, time.Now())
	return &protocol.LoginReply{
		ReplyHeader: okReply(req.Type, req.ID),
		AuthToken:   token,
		ExpiresAt:   expiresAt,
	}
}

// authenticate resolves the token into claims or an error code.
func (s *Server) authenticate(token string) (*Claims, string) {
	claims, err := s.tokens.Verify(token, time.Now())
	if err != nil {
		return nil, protocol.ErrUnauthenticated
	}
	return claims, ""
}

func hasRole(claims *Claims, role string) bool {
	for _, r := range claims.Roles() {
		if r == role {
			return true
		}
	}
	return false
}

func (s *Server) handleVerify(req protocol.VerifyRequest) any {
	if _, code := s.authenticate(req.AuthToken); code != "" {
		return errorReply(req.Type, req.ID, code, "")
	}
	return &protocol.VerifyReply{ReplyHeader: okReply(req.Type, req.ID)}
}

func (s *Server) handleDownload(req protocol.DownloadRequest) any {
	if _, code := s.authenticate(req.AuthToken); code != "" {
		return errorReply(req.Type, req.ID, code, "")
	}
	if !floors.IsKnownTerritory(req.TerritoryType) {
		return errorReply(req.Type, req.ID, protocol.ErrInvalidTerritory, "")
	}
	locations, err := s.pool.Snapshot(req.TerritoryType)
	if err != nil {
		return s.internalError(req.Type, req.ID, err)
	}
	objects := make([]protocol.NetworkObject, 0, len(locations))
	for _, loc := range locations {
		objects = append(objects, toNetworkObject(loc))
	}
	return &protocol.DownloadReply{
		ReplyHeader:   okReply(req.Type, req.ID),
		TerritoryType: req.TerritoryType,
		Objects:       objects,
	}
}

func (s *Server) handleUpload(req protocol.UploadRequest) any {
	claims, code := s.authenticate(req.AuthToken)
	if code != "" {
		return errorReply(req.Type, req.ID, code, "")
	}
	if !floors.IsKnownTerritory(req.TerritoryType) {
		return errorReply(req.Type, req.ID, protocol.ErrInvalidTerritory, "")
	}
	now := time.Now().UTC()
	incoming := make([]ServerLocation, len(req.Objects))
	for i, obj := range req.Objects {
		incoming[i] = ServerLocation{
			TerritoryType: req.TerritoryType,
			Type:          obj.Type,
			X:             obj.X,
			Y:             obj.Y,
			Z:             obj.Z,
			AccountID:     claims.NameID,
			CreatedAt:     now,
		}
	}
	results, err := s.pool.Reconcile(req.TerritoryType, incoming)
	if err != nil {
		return s.internalError(req.Type, req.ID, err)
	}
	objects := make([]protocol.NetworkObject, len(results))
	for i, loc := range results {
		objects[i] = toNetworkObject(loc)
	}
	return &protocol.UploadReply{
		ReplyHeader:   okReply(req.Type, req.ID),
		TerritoryType: req.TerritoryType,
		Objects:       objects,
	}
}

func (s *Server) handleMarkSeen(req protocol.MarkSeenRequest) any {
	claims, code := s.authenticate(req.AuthToken)
	if code != "" {
		return errorReply(req.Type, req.ID, code, "")
	}
	unique := make([]string, 0, len(req.NetworkIDs))
	seen := map[string]struct{}{}
	for _, id := range req.NetworkIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	if err := s.store.MarkSeen(claims.NameID, unique); err != nil {
		return s.internalError(req.Type, req.ID, err)
	}
	return &protocol.MarkSeenReply{ReplyHeader: okReply(req.Type, req.ID)}
}

func (s *Server) handleStatistics(req protocol.StatisticsRequest) any {
	claims, code := s.authenticate(req.AuthToken)
	if code != "" {
		return errorReply(req.Type, req.ID, code, "")
	}
	if !hasRole(claims, RoleStatisticsView) {
		return errorReply(req.Type, req.ID, protocol.ErrPermissionDenied, "")
	}
	stats, err := s.store.TerritoryStatistics()
	if err != nil {
		return s.internalError(req.Type, req.ID, err)
	}
	reply := &protocol.StatisticsReply{ReplyHeader: okReply(req.Type, req.ID)}
	for _, territoryType := range floors.KnownTerritories() {
		counts := stats[territoryType]
		reply.Floors = append(reply.Floors, protocol.FloorStatistics{
			TerritoryType: territoryType,
			TrapCount:     counts[0],
			HoardCount:    counts[1],
		})
	}
	return reply
}

func (s *Server) handleExport(req protocol.ExportRequest) any {
	claims, code := s.authenticate(req.AuthToken)
	if code != "" {
		return errorReply(req.Type, req.ID, code, "")
	}
	if !hasRole(claims, RoleExportRun) {
		return errorReply(req.Type, req.ID, protocol.ErrPermissionDenied, "")
	}
	locations, err := s.store.ExportableLocations(ExportMinimumSightings)
	if err != nil {
		return s.internalError(req.Type, req.ID, err)
	}
	if len(locations) == 0 {
		return errorReply(req.Type, req.ID, protocol.ErrNotEnoughData, "no sufficiently confirmed locations")
	}

	byTerritory := map[uint16][]protocol.NetworkObject{}
	for _, loc := range locations {
		byTerritory[loc.TerritoryType] = append(byTerritory[loc.TerritoryType], toNetworkObject(loc))
	}
	reply := &protocol.ExportReply{
		ReplyHeader: okReply(req.Type, req.ID),
		ExportID:    uuid.NewString(),
		ServerURL:   req.ServerURL,
		CreatedAt:   time.Now().UTC(),
	}
	for _, territoryType := range floors.KnownTerritories() {
		objects := byTerritory[territoryType]
		if len(objects) == 0 {
			continue
		}
		reply.Floors = append(reply.Floors, protocol.ExportFloor{
			TerritoryType: territoryType,
			Objects:       objects,
		})
	}
	return reply
}

func (s *Server) internalError(msgType, id string, err error) any {
	s.log.Printf("%s: %v", msgType, err)
	return errorReply(msgType, id, protocol.ErrUnknown, "")
}

func toNetworkObject(loc ServerLocation) protocol.NetworkObject {
	return protocol.NetworkObject{
		NetworkID: loc.ID,
		Type:      loc.Type,
		X:         loc.X,
		Y:         loc.Y,
		Z:         loc.Z,
	}
}

func okReply(msgType, id string) protocol.ReplyHeader {
	return protocol.ReplyHeader{Type: msgType, ID: id, Success: true}
}

func errorReply(msgType, id, code, message string) *protocol.ReplyHeader {
	return &protocol.ReplyHeader{Type: msgType, ID: id, Error: code, Message: message}
}

// hashAddress reduces the remote address to a stable keyed hash; raw
// addresses are never stored.
func (s *Server) hashAddress(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(host))
	return hex.EncodeToString(mac.Sum(nil)[:16])
}

// versionAtLeast compares "major.minor" version strings.
func versionAtLeast(version, minimum string) bool {
	vMaj, vMin := parseVersion(version)
	mMaj, mMin := parseVersion(minimum)
	if vMaj != mMaj {
		return vMaj > mMaj
	}
	return vMin >= mMin
}

func parseVersion(v string) (int, int) {
	parts := strings.SplitN(v, ".", 3)
	major, _ := strconv.Atoi(parts[0])
	minor := 0
	if len(parts) > 1 {
		minor, _ = strconv.Atoi(parts[1])
	}
	return major, minor
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
