// Package dungeon is the seeded layout contract every client in a room relies
// on. Generators must be pure: the same seed always yields the same bytes.
package dungeon

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

type Tile byte

const (
	TileWall Tile = iota
	TileFloor
	TileCorridor
)

type Rect struct {
	X, Y, W, H int
}

func (r Rect) Center() (int, int) { return r.X + r.W/2, r.Y + r.H/2 }

// overlaps reports whether r and o touch, including a one tile margin.
func (r Rect) overlaps(o Rect) bool {
	return r.X-1 < o.X+o.W && r.X+r.W+1 > o.X && r.Y-1 < o.Y+o.H && r.Y+r.H+1 > o.Y
}

type Layout struct {
	Seed   int64
	Width  int
	Height int
	Tiles  []Tile
	Rooms  []Rect
}

func (l *Layout) At(x, y int) Tile {
	if x < 0 || y < 0 || x >= l.Width || y >= l.Height {
		return TileWall
	}
	return l.Tiles[y*l.Width+x]
}

func (l *Layout) Walkable(x, y int) bool { return l.At(x, y) != TileWall }

// Spawn is the first room's centre; every client places new players there.
func (l *Layout) Spawn() (int, int) {
	if len(l.Rooms) == 0 {
		return l.Width / 2, l.Height / 2
	}
	return l.Rooms[0].Center()
}

// Digest is a stable fingerprint of the tile grid, used to compare layouts
// across clients.
func (l *Layout) Digest() string {
	h := sha256.New()
	var hdr [24]byte
	binary.LittleEndian.PutUint64(hdr[0:8], uint64(l.Seed))
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(l.Width))
	binary.LittleEndian.PutUint64(hdr[16:24], uint64(l.Height))
	h.Write(hdr[:])
	for _, t := range l.Tiles {
		h.Write([]byte{byte(t)})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Generator produces a layout from a seed.
type Generator interface {
	Generate(seed int64) *Layout
}

// GeneratorFunc adapts a plain function to Generator.
type GeneratorFunc func(seed int64) *Layout

func (f GeneratorFunc) Generate(seed int64) *Layout { return f(seed) }
