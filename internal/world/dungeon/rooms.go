package dungeon

import "math/rand/v2"

// RoomsAndCorridors scatters rectangular rooms and joins consecutive rooms
// with L-shaped corridors.
type RoomsAndCorridors struct {
	Width, Height int
	MaxRooms      int
	MinSize       int
	MaxSize       int
}

func DefaultGenerator() RoomsAndCorridors {
	return RoomsAndCorridors{Width: 64, Height: 48, MaxRooms: 12, MinSize: 4, MaxSize: 10}
}

const pcgStream = 0x9e3779b97f4a7c15

func (g RoomsAndCorridors) Generate(seed int64) *Layout {
	rng := rand.New(rand.NewPCG(uint64(seed), pcgStream))
	l := &Layout{
		Seed:   seed,
		Width:  g.Width,
		Height: g.Height,
		Tiles:  make([]Tile, g.Width*g.Height),
	}
	span := g.MaxSize - g.MinSize + 1
	if span < 1 {
		span = 1
	}
	attempts := g.MaxRooms * 8
	for i := 0; i < attempts && len(l.Rooms) < g.MaxRooms; i++ {
		w := g.MinSize + rng.IntN(span)
		h := g.MinSize + rng.IntN(span)
		if w+2 >= g.Width || h+2 >= g.Height {
			continue
		}
		r := Rect{X: 1 + rng.IntN(g.Width-w-1), Y: 1 + rng.IntN(g.Height-h-1), W: w, H: h}
		clash := false
		for _, o := range l.Rooms {
			if r.overlaps(o) {
				clash = true
				break
			}
		}
		if clash {
			continue
		}
		l.carveRoom(r)
		if n := len(l.Rooms); n > 0 {
			ax, ay := l.Rooms[n-1].Center()
			bx, by := r.Center()
			if rng.IntN(2) == 0 {
				l.carveH(ax, bx, ay)
				l.carveV(ay, by, bx)
			} else {
				l.carveV(ay, by, ax)
				l.carveH(ax, bx, by)
			}
		}
		l.Rooms = append(l.Rooms, r)
	}
	return l
}

func (l *Layout) carveRoom(r Rect) {
	for y := r.Y; y < r.Y+r.H; y++ {
		for x := r.X; x < r.X+r.W; x++ {
			l.Tiles[y*l.Width+x] = TileFloor
		}
	}
}

func (l *Layout) carveH(x1, x2, y int) {
	if x1 > x2 {
		x1, x2 = x2, x1
	}
	for x := x1; x <= x2; x++ {
		if l.Tiles[y*l.Width+x] == TileWall {
			l.Tiles[y*l.Width+x] = TileCorridor
		}
	}
}

func (l *Layout) carveV(y1, y2, x int) {
	if y1 > y2 {
		y1, y2 = y2, y1
	}
	for y := y1; y <= y2; y++ {
		if l.Tiles[y*l.Width+x] == TileWall {
			l.Tiles[y*l.Width+x] = TileCorridor
		}
	}
}
