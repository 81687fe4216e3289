package main

import (
	"log"

	"github.com/PunishXIV/PalacePal/internal/floors"
	"github.com/PunishXIV/PalacePal/internal/frame"
)

// logRenderer reports layer rebuilds on the log instead of drawing. The
// daemon has no overlay; the counts are what matters for replays.
type logRenderer struct {
	log *log.Logger
}

func (r *logRenderer) RecreatePersistentLayer(territoryType uint16,
	locations []*floors.PersistentLocation, obs *frame.Observation) {
	traps, hoards, seen := 0, 0, 0
	for _, loc := range locations {
		switch loc.Type {
		case floors.TypeTrap:
			traps++
		case floors.TypeHoard:
			hoards++
		}
		if loc.Seen {
			seen++
		}
	}
	r.log.Printf("layer %s: %d traps, %d hoard coffers (%d seen, sight=%v intuition=%v)",
		floors.TerritoryName(territoryType), traps, hoards, seen, obs.SightActive, obs.IntuitionActive)
}

func (r *logRenderer) RecreateEphemeralLayer(locations []*floors.EphemeralLocation) {
	silver, gold := 0, 0
	for _, loc := range locations {
		switch loc.Type {
		case floors.TypeSilverCoffer:
			silver++
		case floors.TypeGoldCoffer:
			gold++
		}
	}
	r.log.Printf("ephemeral layer: %d silver, %d gold coffers", silver, gold)
}

func (r *logRenderer) ResetLayers() {
	r.log.Printf("layers reset")
}

// logChat prints user-facing messages on the log.
type logChat struct {
	log *log.Logger
}

func (c *logChat) Print(message string) { c.log.Printf("chat: %s", message) }
func (c *logChat) Error(message string) { c.log.Printf("chat error: %s", message) }
