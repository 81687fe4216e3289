package frame

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"

	"github.com/PunishXIV/PalacePal/internal/config"
	"github.com/PunishXIV/PalacePal/internal/database"
	"github.com/PunishXIV/PalacePal/internal/export"
	"github.com/PunishXIV/PalacePal/internal/floors"
	"github.com/PunishXIV/PalacePal/internal/imports"
	"github.com/PunishXIV/PalacePal/internal/palacemath"
	"github.com/PunishXIV/PalacePal/internal/remote"
)

// scriptedSource replays a fixed list of observations, then repeats the last
// one.
type scriptedSource struct {
	observations []*Observation
	index        int
}

func (s *scriptedSource) Poll() (*Observation, error) {
	if s.index < len(s.observations) {
		obs := s.observations[s.index]
		s.index++
		return obs, nil
	}
	if len(s.observations) == 0 {
		return nil, nil
	}
	return s.observations[len(s.observations)-1], nil
}

type fakeRenderer struct {
	persistentCalls int
	ephemeralCalls  int
	resets          int
	lastLocations   []*floors.PersistentLocation
}

func (r *fakeRenderer) RecreatePersistentLayer(_ uint16, locations []*floors.PersistentLocation, _ *Observation) {
	r.persistentCalls++
	r.lastLocations = locations
}

func (r *fakeRenderer) RecreateEphemeralLayer([]*floors.EphemeralLocation) {
	r.ephemeralCalls++
}

func (r *fakeRenderer) ResetLayers() { r.resets++ }

type fakeChat struct {
	messages []string
	errors   []string
}

func (c *fakeChat) Print(msg string) { c.messages = append(c.messages, msg) }
func (c *fakeChat) Error(msg string) { c.errors = append(c.errors, msg) }

func newTestDispatcher(t *testing.T, source ObservationSource) (*Dispatcher, *fakeRenderer, *fakeChat, *database.Store) {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	dir := t.TempDir()

	db, err := database.Open(filepath.Join(dir, "palace.db"), logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mgr, err := config.NewManager(filepath.Join(dir, "palacepal.yaml"), logger)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	// Offline keeps the loop from dialing anywhere.
	if err := mgr.Update(func(c *config.Config) { c.Mode = config.ModeOffline }); err != nil {
		t.Fatalf("Update: %v", err)
	}

	debug := NewDebugState()
	fl := floors.NewService(logger, db, mgr, debug, "2.0")
	chat := &fakeChat{}
	api := remote.NewAPI(logger, mgr, chat, "2.0")
	t.Cleanup(func() { _ = api.Close() })
	importer := imports.NewService(logger, db, fl, mgr, "2.0")
	renderer := &fakeRenderer{}
	d := NewDispatcher(logger, mgr, fl, api, importer, source, renderer, chat, debug)
	return d, renderer, chat, db
}

func obsWithTrap(territoryType uint16, x, y, z float32) *Observation {
	return &Observation{
		TerritoryType: territoryType,
		InDeepDungeon: true,
		PersistentLocations: []*floors.PersistentLocation{{
			Type:     floors.TypeTrap,
			Position: palacemath.Vector3{X: x, Y: y, Z: z},
			Seen:     true,
			Source:   database.SourceSeenLocally,
		}},
	}
}

func TestTick_MergesAndRenders(t *testing.T) {
	source := &scriptedSource{observations: []*Observation{
		obsWithTrap(561, 10.0, 0, 5.0),
	}}
	d, renderer, _, db := newTestDispatcher(t, source)
	ctx := context.Background()

	// First tick enters the territory and starts loading.
	d.Tick(ctx)
	d.Wait()
	if renderer.resets != 1 {
		t.Fatalf("resets = %d, want 1", renderer.resets)
	}

	// Second tick merges the visible trap and rebuilds the layer.
	d.Tick(ctx)
	d.Wait()
	if renderer.persistentCalls != 1 {
		t.Fatalf("persistentCalls = %d, want 1", renderer.persistentCalls)
	}
	if len(renderer.lastLocations) != 1 {
		t.Fatalf("rendered %d locations, want 1", len(renderer.lastLocations))
	}

	// A stable scene does not rebuild.
	d.Tick(ctx)
	d.Wait()
	if renderer.persistentCalls != 1 {
		t.Fatalf("persistentCalls = %d after stable tick, want 1", renderer.persistentCalls)
	}

	rows, err := db.LocationsByTerritory(561)
	if err != nil {
		t.Fatalf("LocationsByTerritory: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
}

func TestTick_TerritoryChangeResetsLayers(t *testing.T) {
	source := &scriptedSource{observations: []*Observation{
		obsWithTrap(561, 10.0, 0, 5.0),
		obsWithTrap(561, 10.0, 0, 5.0),
		obsWithTrap(562, 4.0, 0, 4.0),
	}}
	d, renderer, _, _ := newTestDispatcher(t, source)
	ctx := context.Background()

	d.Tick(ctx)
	d.Wait()
	d.Tick(ctx)
	d.Wait()
	d.Tick(ctx)
	d.Wait()
	if renderer.resets != 2 {
		t.Fatalf("resets = %d, want 2", renderer.resets)
	}

	// The new territory renders its own trap once loaded.
	d.Tick(ctx)
	d.Wait()
	if len(renderer.lastLocations) != 1 {
		t.Fatalf("rendered %d locations, want 1", len(renderer.lastLocations))
	}
}

func TestTick_TerritoryChangeRewindsSyncState(t *testing.T) {
	source := &scriptedSource{observations: []*Observation{
		obsWithTrap(561, 10.0, 0, 5.0),
		obsWithTrap(562, 4.0, 0, 4.0),
	}}
	d, _, _, _ := newTestDispatcher(t, source)
	ctx := context.Background()

	d.Tick(ctx)
	d.Wait()
	d.floors.SetSyncState(561, floors.SyncFailed)

	// Leaving the territory rewinds its sync state so the next visit
	// downloads again instead of staying failed.
	d.Tick(ctx)
	d.Wait()
	if got := d.floors.SyncStateOf(561); got != floors.SyncNotAttempted {
		t.Fatalf("SyncStateOf(561) after leaving = %d, want SyncNotAttempted", got)
	}

	d.floors.SetSyncState(562, floors.SyncComplete)
	source.observations = append(source.observations, obsWithTrap(561, 10.0, 0, 5.0))
	source.index = len(source.observations) - 1
	d.Tick(ctx)
	d.Wait()
	if got := d.floors.SyncStateOf(562); got != floors.SyncNotAttempted {
		t.Fatalf("SyncStateOf(562) after leaving = %d, want SyncNotAttempted", got)
	}
}

func TestTick_OutsideDungeonDoesNothing(t *testing.T) {
	source := &scriptedSource{observations: []*Observation{
		{TerritoryType: 0, InDeepDungeon: false},
	}}
	d, renderer, _, _ := newTestDispatcher(t, source)

	d.Tick(context.Background())
	d.Wait()
	if renderer.persistentCalls != 0 || renderer.ephemeralCalls != 0 {
		t.Fatalf("renderer was called outside a dungeon")
	}
}

func TestImportRequest_RunsThroughQueue(t *testing.T) {
	source := &scriptedSource{observations: []*Observation{
		{TerritoryType: 0, InDeepDungeon: false},
	}}
	d, _, chat, db := newTestDispatcher(t, source)
	ctx := context.Background()

	root := &export.Root{
		Header: export.Header{
			Version:   export.CurrentVersion,
			ExportID:  "33333333-3333-3333-3333-333333333333",
			ServerURL: "wss://example.com/ws",
		},
		Floors: []export.Floor{{
			TerritoryType: 561,
			Objects:       []export.Object{{Type: export.ObjectTrap, X: 1, Y: 0, Z: 1}},
		}},
	}
	d.EnqueueEarly(ImportRequest{Root: root})
	d.Tick(ctx)
	d.Wait()

	if len(chat.messages) != 1 {
		t.Fatalf("chat messages = %v", chat.messages)
	}
	rows, err := db.LocationsByTerritory(561)
	if err != nil {
		t.Fatalf("LocationsByTerritory: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}

	d.EnqueueEarly(UndoImportRequest{ExportID: root.Header.ExportID})
	d.Tick(ctx)
	d.Wait()
	rows, err = db.LocationsByTerritory(561)
	if err != nil {
		t.Fatalf("LocationsByTerritory: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("rows = %d, want 0 after undo", len(rows))
	}
}
