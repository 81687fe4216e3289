// Package frame runs the per-tick reconciliation loop. A single goroutine
// owns territory transitions, merge calls, and render decisions; everything
// else talks to it through buffered message queues drained once per tick.
package frame

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/PunishXIV/PalacePal/internal/config"
	"github.com/PunishXIV/PalacePal/internal/database"
	"github.com/PunishXIV/PalacePal/internal/floors"
	"github.com/PunishXIV/PalacePal/internal/imports"
	"github.com/PunishXIV/PalacePal/internal/palacemath"
	"github.com/PunishXIV/PalacePal/internal/protocol"
	"github.com/PunishXIV/PalacePal/internal/remote"
)

// Observation is one snapshot of what the player can currently see.
type Observation struct {
	TerritoryType uint16
	InDeepDungeon bool

	// Traps and hoard coffers currently on screen.
	PersistentLocations []*floors.PersistentLocation
	// Silver and gold coffers; never persisted.
	EphemeralLocations []*floors.EphemeralLocation

	// Active pomander effects change how locations are rendered.
	SightActive     bool
	IntuitionActive bool
}

// ObservationSource produces one observation per tick. Poll returning nil
// means nothing is known this tick.
type ObservationSource interface {
	Poll() (*Observation, error)
}

// Renderer draws the current location sets. Recreate calls replace the whole
// layer; they only happen when the set actually changed.
type Renderer interface {
	RecreatePersistentLayer(territoryType uint16, locations []*floors.PersistentLocation, obs *Observation)
	RecreateEphemeralLayer(locations []*floors.EphemeralLocation)
	ResetLayers()
}

// Chat shows user-visible messages.
type Chat interface {
	Print(message string)
	Error(message string)
}

type Dispatcher struct {
	log      *log.Logger
	cfg      *config.Manager
	floors   *floors.Service
	api      *remote.API
	importer *imports.Service
	source   ObservationSource
	renderer Renderer
	chat     Chat
	debug    *DebugState

	early chan Message
	late  chan Message

	// Owned by the tick goroutine.
	lastTerritory   uint16
	pendingRecreate bool

	netWG sync.WaitGroup
}

func NewDispatcher(logger *log.Logger, cfg *config.Manager, fl *floors.Service,
	api *remote.API, importer *imports.Service, source ObservationSource,
	renderer Renderer, chat Chat, debug *DebugState) *Dispatcher {
	return &Dispatcher{
		log:      logger,
		cfg:      cfg,
		floors:   fl,
		api:      api,
		importer: importer,
		source:   source,
		renderer: renderer,
		chat:     chat,
		debug:    debug,
		early:    make(chan Message, 64),
		late:     make(chan Message, 64),
	}
}

// EnqueueEarly queues a message handled before the next merge. Messages are
// dropped with a log line when the queue is full rather than blocking the
// caller.
func (d *Dispatcher) EnqueueEarly(msg Message) {
	select {
	case d.early <- msg:
	default:
		d.log.Printf("early queue full, dropping %T", msg)
	}
}

func (d *Dispatcher) enqueueLate(msg Message) {
	select {
	case d.late <- msg:
	default:
		d.log.Printf("late queue full, dropping %T", msg)
	}
}

// Wait blocks until in-flight network operations and persistence tasks have
// finished.
func (d *Dispatcher) Wait() {
	d.netWG.Wait()
	d.floors.Wait()
}

// Run ticks until the context ends, then waits for in-flight network
// operations and persistence tasks.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.Wait()
			return ctx.Err()
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick runs one frame. Exported so tests can drive the loop deterministically.
func (d *Dispatcher) Tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Printf("tick panic: %v", r)
			d.debug.RecordError(fmt.Errorf("tick panic: %v", r))
		}
	}()

	d.drainEarly()

	obs, err := d.source.Poll()
	if err != nil {
		d.debug.RecordError(err)
		return
	}
	if obs == nil {
		return
	}

	territoryChanged := obs.TerritoryType != d.lastTerritory
	if territoryChanged {
		d.onTerritoryChange(obs.TerritoryType)
	}

	if !obs.InDeepDungeon || !floors.IsKnownTerritory(obs.TerritoryType) {
		d.drainLate(obs)
		return
	}
	if !d.floors.IsReady(obs.TerritoryType) {
		return
	}

	online := d.cfg.Mode() == config.ModeOnline
	if online && d.floors.SyncStateOf(obs.TerritoryType) == floors.SyncNotAttempted {
		d.floors.SetSyncState(obs.TerritoryType, floors.SyncStarted)
		d.startDownload(ctx, obs.TerritoryType)
	}

	d.drainLate(obs)

	recreate := d.pendingRecreate || territoryChanged
	d.pendingRecreate = false
	recreate, toSync := d.floors.MergePersistentLocations(obs.TerritoryType, obs.PersistentLocations, recreate)
	if online && len(toSync) > 0 {
		d.startMarkSeen(ctx, obs.TerritoryType, toSync)
	}
	if online {
		if toUpload := d.floors.CollectLocationsToUpload(obs.TerritoryType); len(toUpload) > 0 {
			d.startUpload(ctx, obs.TerritoryType, toUpload)
		}
	}

	ephemeralRecreate := d.floors.MergeEphemeralLocations(obs.EphemeralLocations, territoryChanged)

	if recreate {
		d.renderer.RecreatePersistentLayer(obs.TerritoryType, d.floors.LocationsForRender(obs.TerritoryType), obs)
	}
	if ephemeralRecreate {
		d.renderer.RecreateEphemeralLayer(d.floors.EphemeralLocations())
	}
}

// onTerritoryChange resets everything scoped to the previous territory.
func (d *Dispatcher) onTerritoryChange(territoryType uint16) {
	// The old territory's sync state is rewound unconditionally: a download
	// still in flight will be discarded when its response arrives, and a
	// completed or failed sync starts over on the next visit.
	d.floors.SetSyncState(d.lastTerritory, floors.SyncNotAttempted)
	d.lastTerritory = territoryType
	d.floors.ChangeTerritory(territoryType)
	d.renderer.ResetLayers()
	d.debug.Reset()
	d.pendingRecreate = true
}

func (d *Dispatcher) drainEarly() {
	for {
		select {
		case msg := <-d.early:
			switch m := msg.(type) {
			case ConfigUpdate:
				d.pendingRecreate = true
			case ImportRequest:
				d.startImport(m)
			case UndoImportRequest:
				d.startUndoImport(m)
			default:
				d.log.Printf("unexpected early message %T", msg)
			}
		default:
			return
		}
	}
}

func (d *Dispatcher) drainLate(obs *Observation) {
	for {
		select {
		case msg := <-d.late:
			resp, ok := msg.(SyncResponse)
			if !ok {
				d.log.Printf("unexpected late message %T", msg)
				continue
			}
			d.handleSyncResponse(obs, resp)
		default:
			return
		}
	}
}

// handleSyncResponse applies a finished network operation. Responses for a
// territory the player already left are dropped; the rewind in
// onTerritoryChange makes the next visit retry.
func (d *Dispatcher) handleSyncResponse(obs *Observation, resp SyncResponse) {
	if obs == nil || !obs.InDeepDungeon || resp.TerritoryType != obs.TerritoryType {
		d.log.Printf("discarding stale %s response for territory %d", resp.Kind, resp.TerritoryType)
		return
	}

	switch resp.Kind {
	case SyncDownload:
		if !resp.Success {
			d.floors.SetSyncState(resp.TerritoryType, floors.SyncFailed)
			return
		}
		d.floors.SetSyncState(resp.TerritoryType, floors.SyncComplete)
		if d.floors.AttachNetworkIDs(resp.TerritoryType, fromNetworkObjects(resp.Objects), true) {
			d.pendingRecreate = true
		}
	case SyncUpload:
		if resp.Success {
			d.floors.AttachNetworkIDs(resp.TerritoryType, fromNetworkObjects(resp.Objects), false)
		}
	case SyncMarkSeen:
		if resp.Success {
			cfg := d.cfg.Config()
			partial := ""
			if account := cfg.FindAccount(cfg.ServerURL); account != nil {
				partial = config.PartialID(account.AccountID)
			}
			d.floors.RecordRemoteSeen(resp.TerritoryType, fromNetworkObjects(resp.Objects), partial)
		}
	}
}

func (d *Dispatcher) startDownload(ctx context.Context, territoryType uint16) {
	d.netWG.Add(1)
	go func() {
		defer d.netWG.Done()
		objects, err := d.api.DownloadRemoteMarkers(ctx, territoryType)
		if err != nil {
			d.log.Printf("download territory %d: %v", territoryType, err)
			d.debug.RecordError(err)
			d.enqueueLate(SyncResponse{Kind: SyncDownload, TerritoryType: territoryType})
			return
		}
		d.enqueueLate(SyncResponse{
			Kind:          SyncDownload,
			TerritoryType: territoryType,
			Success:       true,
			Objects:       objects,
		})
	}()
}

func (d *Dispatcher) startUpload(ctx context.Context, territoryType uint16, locations []*floors.PersistentLocation) {
	objects := toNetworkObjects(locations)
	d.netWG.Add(1)
	go func() {
		defer d.netWG.Done()
		results, err := d.api.UploadLocations(ctx, territoryType, objects)
		if err != nil {
			d.log.Printf("upload territory %d: %v", territoryType, err)
			d.debug.RecordError(err)
			d.enqueueLate(SyncResponse{Kind: SyncUpload, TerritoryType: territoryType})
			return
		}
		d.enqueueLate(SyncResponse{
			Kind:          SyncUpload,
			TerritoryType: territoryType,
			Success:       true,
			Objects:       results,
		})
	}()
}

func (d *Dispatcher) startMarkSeen(ctx context.Context, territoryType uint16, locations []*floors.PersistentLocation) {
	objects := toNetworkObjects(locations)
	ids := make([]string, 0, len(objects))
	for _, obj := range objects {
		if obj.NetworkID != "" {
			ids = append(ids, obj.NetworkID)
		}
	}
	if len(ids) == 0 {
		return
	}
	d.netWG.Add(1)
	go func() {
		defer d.netWG.Done()
		if err := d.api.MarkAsSeen(ctx, territoryType, ids); err != nil {
			d.log.Printf("mark seen territory %d: %v", territoryType, err)
			d.debug.RecordError(err)
			d.enqueueLate(SyncResponse{Kind: SyncMarkSeen, TerritoryType: territoryType})
			return
		}
		d.enqueueLate(SyncResponse{
			Kind:          SyncMarkSeen,
			TerritoryType: territoryType,
			Success:       true,
			Objects:       objects,
		})
	}()
}

func (d *Dispatcher) startImport(req ImportRequest) {
	if d.floors.IsImportRunning() {
		d.chat.Error("An import is already running.")
		return
	}
	d.netWG.Add(1)
	go func() {
		defer d.netWG.Done()
		result, err := d.importer.Import(req.Root)
		if err != nil {
			d.log.Printf("import: %v", err)
			d.chat.Error(fmt.Sprintf("Import failed: %v", err))
			return
		}
		d.chat.Print(fmt.Sprintf("Imported %d traps and %d hoard coffers.",
			result.ImportedTraps, result.ImportedHoards))
	}()
}

func (d *Dispatcher) startUndoImport(req UndoImportRequest) {
	if d.floors.IsImportRunning() {
		d.chat.Error("An import is already running.")
		return
	}
	d.netWG.Add(1)
	go func() {
		defer d.netWG.Done()
		if err := d.importer.RemoveByID(req.ExportID); err != nil {
			d.log.Printf("undo import: %v", err)
			d.chat.Error(fmt.Sprintf("Undo failed: %v", err))
			return
		}
		d.chat.Print("Import removed.")
	}()
}

// toNetworkObjects converts in-memory locations to their wire form. Only
// traps and hoards have a wire representation.
func toNetworkObjects(locations []*floors.PersistentLocation) []protocol.NetworkObject {
	objects := make([]protocol.NetworkObject, 0, len(locations))
	for _, loc := range locations {
		var objType int
		switch loc.Type {
		case floors.TypeTrap:
			objType = protocol.ObjectTrap
		case floors.TypeHoard:
			objType = protocol.ObjectHoard
		default:
			continue
		}
		objects = append(objects, protocol.NetworkObject{
			NetworkID: loc.NetworkID,
			Type:      objType,
			X:         loc.Position.X,
			Y:         loc.Position.Y,
			Z:         loc.Position.Z,
		})
	}
	return objects
}

// fromNetworkObjects converts wire objects into download-sourced in-memory
// locations.
func fromNetworkObjects(objects []protocol.NetworkObject) []*floors.PersistentLocation {
	locations := make([]*floors.PersistentLocation, 0, len(objects))
	for _, obj := range objects {
		var locType floors.LocationType
		switch obj.Type {
		case protocol.ObjectTrap:
			locType = floors.TypeTrap
		case protocol.ObjectHoard:
			locType = floors.TypeHoard
		default:
			continue
		}
		locations = append(locations, &floors.PersistentLocation{
			NetworkID: obj.NetworkID,
			Type:      locType,
			Position:  palacemath.Vector3{X: obj.X, Y: obj.Y, Z: obj.Z},
			Source:    database.SourceDownload,
		})
	}
	return locations
}
