package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/PunishXIV/PalacePal/internal/database"
	"github.com/PunishXIV/PalacePal/internal/floors"
	"github.com/PunishXIV/PalacePal/internal/frame"
	"github.com/PunishXIV/PalacePal/internal/palacemath"
)

// observationLine is one JSONL line of recorded gameplay.
type observationLine struct {
	TerritoryType uint16       `json:"territory_type"`
	InDeepDungeon bool         `json:"in_deep_dungeon"`
	Objects       []objectLine `json:"objects,omitempty"`
	Coffers       []objectLine `json:"coffers,omitempty"`
	Sight         bool         `json:"sight,omitempty"`
	Intuition     bool         `json:"intuition,omitempty"`
}

type objectLine struct {
	Type string  `json:"type"`
	X    float32 `json:"x"`
	Y    float32 `json:"y"`
	Z    float32 `json:"z"`
	Seen bool    `json:"seen,omitempty"`
}

// replaySource feeds observations from a JSONL recording, one line per tick.
// Once the file ends it keeps reporting the final observation, like a player
// standing still.
type replaySource struct {
	file    *os.File
	scanner *bufio.Scanner
	last    *frame.Observation
}

func newReplaySource(path string) (*replaySource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 256*1024), 1024*1024)
	return &replaySource{file: f, scanner: sc}, nil
}

func (r *replaySource) Close() error { return r.file.Close() }

func (r *replaySource) Poll() (*frame.Observation, error) {
	if r.scanner == nil {
		return r.last, nil
	}
	if !r.scanner.Scan() {
		err := r.scanner.Err()
		r.scanner = nil
		return r.last, err
	}
	var line observationLine
	if err := json.Unmarshal(r.scanner.Bytes(), &line); err != nil {
		return r.last, fmt.Errorf("replay: %w", err)
	}

	obs := &frame.Observation{
		TerritoryType:   line.TerritoryType,
		InDeepDungeon:   line.InDeepDungeon,
		SightActive:     line.Sight,
		IntuitionActive: line.Intuition,
	}
	for _, o := range line.Objects {
		loc, err := toPersistent(o)
		if err != nil {
			return r.last, fmt.Errorf("replay: %w", err)
		}
		obs.PersistentLocations = append(obs.PersistentLocations, loc)
	}
	for _, o := range line.Coffers {
		loc, err := toEphemeral(o)
		if err != nil {
			return r.last, fmt.Errorf("replay: %w", err)
		}
		obs.EphemeralLocations = append(obs.EphemeralLocations, loc)
	}
	r.last = obs
	return obs, nil
}

func toPersistent(o objectLine) (*floors.PersistentLocation, error) {
	var locType floors.LocationType
	var source database.Source
	switch o.Type {
	case "trap":
		locType = floors.TypeTrap
		source = database.SourceSeenLocally
	case "exploded-trap":
		locType = floors.TypeTrap
		source = database.SourceExplodedLocally
	case "hoard":
		locType = floors.TypeHoard
		source = database.SourceSeenLocally
	default:
		return nil, fmt.Errorf("unknown object type %q", o.Type)
	}
	return &floors.PersistentLocation{
		Type:     locType,
		Position: palacemath.Vector3{X: o.X, Y: o.Y, Z: o.Z},
		Seen:     o.Seen,
		Source:   source,
	}, nil
}

func toEphemeral(o objectLine) (*floors.EphemeralLocation, error) {
	var locType floors.LocationType
	switch o.Type {
	case "silver":
		locType = floors.TypeSilverCoffer
	case "gold":
		locType = floors.TypeGoldCoffer
	default:
		return nil, fmt.Errorf("unknown coffer type %q", o.Type)
	}
	return &floors.EphemeralLocation{
		Type:     locType,
		Position: palacemath.Vector3{X: o.X, Y: o.Y, Z: o.Z},
		Seen:     o.Seen,
	}, nil
}
