// Package floors keeps the in-memory state of every known deep-dungeon
// territory and reconciles freshly observed locations into it.
package floors

import (
	"fmt"

	"github.com/PunishXIV/PalacePal/internal/database"
	"github.com/PunishXIV/PalacePal/internal/palacemath"
)

type LocationType int

const (
	TypeUnknown LocationType = iota
	TypeTrap
	TypeHoard

	// Coffers are ephemeral only: they exist while on screen and are never
	// persisted or synchronized.
	TypeSilverCoffer
	TypeGoldCoffer
)

func (t LocationType) String() string {
	switch t {
	case TypeTrap:
		return "trap"
	case TypeHoard:
		return "hoard"
	case TypeSilverCoffer:
		return "silver-coffer"
	case TypeGoldCoffer:
		return "gold-coffer"
	default:
		return "unknown"
	}
}

// Key is the identity of a location: its type plus the quantized position.
// Two locations with equal keys are the same location.
type Key struct {
	Type   LocationType
	Bucket palacemath.Bucket
}

// PersistentLocation is the in-memory projection of a durable row.
type PersistentLocation struct {
	// LocalID is 0 until the row has been persisted.
	LocalID int64
	// NetworkID is empty until the remote authority has assigned one.
	NetworkID string

	Type     LocationType
	Position palacemath.Vector3
	Seen     bool
	Source   database.Source

	// UploadRequested latches upload attempts so a location without a
	// NetworkID is not submitted twice.
	UploadRequested bool
	// RemoteSeenRequested latches mark-seen attempts per session.
	RemoteSeenRequested bool
	// RemoteSeenOn lists the partial account ids that already acknowledged
	// this location; entries are append-only.
	RemoteSeenOn []string
}

func (l *PersistentLocation) Key() Key {
	return Key{Type: l.Type, Bucket: palacemath.BucketOf(l.Position)}
}

func (l *PersistentLocation) RemoteSeenBy(partialAccountID string) bool {
	for _, id := range l.RemoteSeenOn {
		if id == partialAccountID {
			return true
		}
	}
	return false
}

func (l *PersistentLocation) String() string {
	return fmt.Sprintf("PersistentLocation(%s, %v)", l.Type, l.Position)
}

// EphemeralLocation is a currently-visible location with no durable backing,
// rebuilt wholesale from each observation snapshot.
type EphemeralLocation struct {
	Type     LocationType
	Position palacemath.Vector3
	Seen     bool
}

func (l *EphemeralLocation) Key() Key {
	return Key{Type: l.Type, Bucket: palacemath.BucketOf(l.Position)}
}

func locationTypeToDB(t LocationType) (database.LocationType, error) {
	switch t {
	case TypeTrap:
		return database.LocationTrap, nil
	case TypeHoard:
		return database.LocationHoard, nil
	default:
		return 0, fmt.Errorf("location type %s is not persistable", t)
	}
}

func locationTypeFromDB(t database.LocationType) (LocationType, error) {
	switch t {
	case database.LocationTrap:
		return TypeTrap, nil
	case database.LocationHoard:
		return TypeHoard, nil
	default:
		return TypeUnknown, fmt.Errorf("unknown db location type %d", t)
	}
}

// ToMemoryLocation converts a durable row into its in-memory projection.
func ToMemoryLocation(row database.Location) (*PersistentLocation, error) {
	locType, err := locationTypeFromDB(row.Type)
	if err != nil {
		return nil, err
	}
	return &PersistentLocation{
		LocalID:      row.LocalID,
		Type:         locType,
		Position:     palacemath.Vector3{X: row.X, Y: row.Y, Z: row.Z},
		Seen:         row.Seen,
		Source:       row.Source,
		RemoteSeenOn: append([]string(nil), row.RemoteSeenOn...),
	}, nil
}

// ToDatabaseLocation converts an in-memory location to a durable row.
func ToDatabaseLocation(loc *PersistentLocation, territoryType uint16, sinceVersion string) (*database.Location, error) {
	dbType, err := locationTypeToDB(loc.Type)
	if err != nil {
		return nil, err
	}
	return &database.Location{
		TerritoryType: territoryType,
		Type:          dbType,
		X:             loc.Position.X,
		Y:             loc.Position.Y,
		Z:             loc.Position.Z,
		Seen:          loc.Seen,
		Source:        loc.Source,
		SinceVersion:  sinceVersion,
	}, nil
}
