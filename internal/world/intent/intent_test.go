package intent

import (
	"testing"

	"github.com/dkeye/Delve/internal/domain"
	"github.com/dkeye/Delve/internal/proto"
	"github.com/dkeye/Delve/internal/world"
	"github.com/dkeye/Delve/internal/world/dungeon"
)

func testSnapshot() world.Snapshot {
	m := world.NewModel(1, nil)
	m.AddMember("host")
	m.Put(domain.EntitySnapshot{ID: "host", Kind: domain.KindPlayer, Owner: "host", HP: 10, LastUpdateTick: 3})
	m.Put(domain.EntitySnapshot{ID: "rat", Kind: domain.KindNPC, HP: 4, LastUpdateTick: 7, Position: domain.Vec{X: 2, Y: 2}})
	m.Put(domain.EntitySnapshot{ID: "coin", Kind: domain.KindItem})
	return m.Snapshot()
}

func TestTranslateMoveTicksIncrease(t *testing.T) {
	tr := NewTranslator("host", nil)
	snap := testSnapshot()
	adv := func(world.Snapshot) []Intent {
		return []Intent{{Kind: Move, Actor: "rat", Step: domain.Vec{X: 1}, Facing: domain.FacingRight}}
	}
	d1, _ := tr.Run(adv, snap)
	d2, _ := tr.Run(adv, snap)
	if len(d1) != 1 || len(d2) != 1 {
		t.Fatalf("deltas = %v %v", d1, d2)
	}
	if d1[0].Tick != 8 || d2[0].Tick != 9 {
		t.Fatalf("ticks = %d, %d", d1[0].Tick, d2[0].Tick)
	}
	if *d1[0].Fields.Position != (domain.Vec{X: 3, Y: 2}) {
		t.Fatalf("position = %+v", *d1[0].Fields.Position)
	}
}

func TestTranslateCombatAndPickup(t *testing.T) {
	tr := NewTranslator("host", nil)
	_, events := tr.Translate(testSnapshot(), []Intent{
		{Kind: Attack, Actor: "host", Target: "rat", Damage: 3},
		{Kind: Pickup, Actor: "host", Target: "coin"},
		{Kind: Pickup, Actor: "host", Target: "rat"},
		{Kind: Attack, Actor: "nobody", Target: "rat"},
	})
	if len(events) != 2 {
		t.Fatalf("events = %d", len(events))
	}
	combat, err := proto.EventPayload[proto.CombatResolved](events[0])
	if err != nil || combat.TargetHP != 1 {
		t.Fatalf("combat = %+v, %v", combat, err)
	}
	pick, err := proto.EventPayload[proto.ItemPickedUp](events[1])
	if err != nil || pick.Item != "coin" || pick.By != "host" {
		t.Fatalf("pickup = %+v, %v", pick, err)
	}
}

func TestTranslateBlocksWalls(t *testing.T) {
	layout := &dungeon.Layout{Width: 4, Height: 4, Tiles: make([]dungeon.Tile, 16)}
	tr := NewTranslator("host", layout)
	deltas, _ := tr.Translate(testSnapshot(), []Intent{{Kind: Move, Actor: "rat", Step: domain.Vec{X: 1}}})
	if len(deltas) != 0 {
		t.Fatalf("move into wall produced %v", deltas)
	}
}
