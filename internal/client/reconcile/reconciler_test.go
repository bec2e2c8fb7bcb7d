package reconcile

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/dkeye/Delve/internal/domain"
	"github.com/dkeye/Delve/internal/proto"
	"github.com/dkeye/Delve/internal/world"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func env(t *testing.T, typ proto.Type, payload any) proto.Envelope {
	t.Helper()
	e, err := proto.New(typ, "ROOM01", payload)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func eventEnv(t *testing.T, id string, kind proto.EventKind, payload any) proto.Envelope {
	t.Helper()
	ev, err := proto.NewEvent(kind, payload)
	if err != nil {
		t.Fatal(err)
	}
	ev.EventID = id
	return env(t, proto.TypeEvent, ev)
}

func joined(t *testing.T, r *Reconciler, c *clock) {
	t.Helper()
	r.Receive(env(t, proto.TypeJoinAccepted, proto.JoinAccepted{
		RoomID: "ROOM01",
		Seed:   42,
		Self:   "A",
		Host:   "A",
		Members: []domain.Identity{
			{ID: "A", DisplayName: "a", JoinedAtTick: 1},
			{ID: "B", DisplayName: "b", JoinedAtTick: 2},
		},
		Entities: []domain.EntitySnapshot{
			{ID: "A", Kind: domain.KindPlayer, Owner: "A", Position: domain.Vec{X: 1, Y: 1}, HP: 100},
			{ID: "B", Kind: domain.KindPlayer, Owner: "B", Position: domain.Vec{X: 5, Y: 5}, HP: 100},
		},
	}))
	r.Frame(c.now())
}

func newReconciler(t *testing.T) (*Reconciler, *clock) {
	c := &clock{t: time.Unix(100, 0)}
	r := New(Config{InterpDelay: 100 * time.Millisecond, SeenEvents: 4}, WithClock(c.now))
	joined(t, r, c)
	return r, c
}

func owned(t *testing.T, s world.Snapshot, id domain.EntityID) domain.EntitySnapshot {
	t.Helper()
	e, ok := s.Get(id)
	if !ok {
		t.Fatalf("entity %s missing from view", id)
	}
	return e
}

func TestPredictionTransparent(t *testing.T) {
	r, c := newReconciler(t)
	var sent []proto.Delta
	for _, step := range []domain.Vec{{X: 1}, {X: 1}, {Y: 1}, {X: -1}} {
		d, err := r.Predict(Input{Step: step, Facing: domain.FacingRight})
		if err != nil {
			t.Fatal(err)
		}
		sent = append(sent, d)
	}
	predicted := owned(t, r.View(c.now()), "A")
	if predicted.Position != (domain.Vec{X: 2, Y: 2}) {
		t.Fatalf("predicted %+v", predicted.Position)
	}

	// No correction ever arrives; the view stays on the prediction.
	for i := 0; i < 3; i++ {
		c.advance(16 * time.Millisecond)
		if got := owned(t, r.Frame(c.now()), "A"); got.Position != predicted.Position {
			t.Fatalf("frame %d drifted to %+v", i, got.Position)
		}
	}

	// Echoes of the same deltas are authoritative but change nothing.
	for i, d := range sent[:2] {
		r.Receive(env(t, proto.TypeDelta, d))
		got := owned(t, r.Frame(c.now()), "A")
		if got.Position != predicted.Position {
			t.Fatalf("after echo %d: %+v", i, got.Position)
		}
	}
	if r.Pending() != 2 {
		t.Fatalf("pending inputs = %d", r.Pending())
	}
}

func TestCorrectionConvergent(t *testing.T) {
	r, c := newReconciler(t)
	for i := 0; i < 3; i++ {
		if _, err := r.Predict(Input{Step: domain.Vec{X: 1}}); err != nil {
			t.Fatal(err)
		}
	}
	pos := domain.Vec{X: 7, Y: 3}
	hp := 80
	facing := domain.FacingUp
	r.Receive(env(t, proto.TypeDelta, proto.Delta{Tick: 3, EntityID: "A", Fields: proto.Fields{Position: &pos, HP: &hp, Facing: &facing}}))
	got := owned(t, r.Frame(c.now()), "A")
	if got.Position != pos || got.HP != 80 || got.Facing != facing || got.LastUpdateTick != 3 {
		t.Fatalf("reconciled %+v", got)
	}
	if r.Pending() != 0 {
		t.Fatalf("superseded predictions kept: %d", r.Pending())
	}

	// The next prediction builds on the correction.
	d, _ := r.Predict(Input{Step: domain.Vec{Y: 1}})
	if d.Tick != 4 || *d.Fields.Position != (domain.Vec{X: 7, Y: 4}) {
		t.Fatalf("next delta %+v", d)
	}
}

func TestPartialCorrectionReplaysRemainder(t *testing.T) {
	r, c := newReconciler(t)
	for i := 0; i < 4; i++ {
		r.Predict(Input{Step: domain.Vec{X: 1}})
	}
	pos := domain.Vec{X: 10, Y: 1}
	r.Receive(env(t, proto.TypeDelta, proto.Delta{Tick: 2, EntityID: "A", Fields: proto.Fields{Position: &pos}}))
	got := owned(t, r.Frame(c.now()), "A")
	if got.Position != (domain.Vec{X: 12, Y: 1}) {
		t.Fatalf("replayed onto correction: %+v", got.Position)
	}
}

func TestSharedRoomScenario(t *testing.T) {
	c := &clock{t: time.Unix(100, 0)}
	b := New(DefaultConfig(), WithClock(c.now))
	b.Receive(env(t, proto.TypeJoinAccepted, proto.JoinAccepted{
		RoomID: "ROOM01", Seed: 42, Self: "B", Host: "A",
		Members:  []domain.Identity{{ID: "A"}, {ID: "B"}},
		Entities: []domain.EntitySnapshot{{ID: "A", Kind: domain.KindPlayer, Owner: "A"}},
	}))
	b.Frame(c.now())
	a := New(DefaultConfig(), WithClock(c.now))
	a.ResetRoom(proto.JoinAccepted{RoomID: "ROOM01", Seed: 42, Self: "A", Host: "A"})
	if a.Layout().Digest() != b.Layout().Digest() {
		t.Fatal("same seed produced different layouts")
	}

	pos := domain.Vec{X: 3, Y: 4}
	b.Receive(env(t, proto.TypeDelta, proto.Delta{Tick: 1, EntityID: "A", Fields: proto.Fields{Position: &pos}}))
	b.Frame(c.now())
	if e, _ := b.Model().Entity("A"); e.Position != pos {
		t.Fatalf("B sees A at %+v", e.Position)
	}
}

func TestDuplicateEventAppliedOnce(t *testing.T) {
	r, c := newReconciler(t)
	r.Receive(eventEnv(t, "spawn-1", proto.EventEntitySpawned, proto.EntitySpawned{Entity: domain.EntitySnapshot{ID: "potion", Kind: domain.KindItem}}))
	pick := eventEnv(t, "e1", proto.EventItemPickedUp, proto.ItemPickedUp{Item: "potion", By: "B"})
	r.Receive(pick, pick)
	r.Frame(c.now())
	r.Receive(pick)
	view := r.Frame(c.now())

	if got := r.Pickups("B"); len(got) != 1 || got[0] != "potion" {
		t.Fatalf("pickups = %v", got)
	}
	if _, ok := view.Get("potion"); ok {
		t.Fatal("picked item still in world")
	}
	if len(r.Anomalies()) != 0 {
		t.Fatal("duplicate reported as anomaly")
	}
}

func TestCombatEventDedupedByID(t *testing.T) {
	r, c := newReconciler(t)
	hit := eventEnv(t, "c1", proto.EventCombatResolved, proto.CombatResolved{Attacker: "B", Target: "A", Damage: 10, TargetHP: 90})
	r.Receive(hit, hit)
	if got := owned(t, r.Frame(c.now()), "A"); got.HP != 90 {
		t.Fatalf("hp = %d", got.HP)
	}
}

func TestSeenWindowIsBounded(t *testing.T) {
	s := newSeenSet(2)
	for _, id := range []string{"a", "b", "c"} {
		if !s.Add(id) {
			t.Fatalf("%s reported as seen", id)
		}
	}
	if s.Len() != 2 {
		t.Fatalf("len = %d", s.Len())
	}
	if s.Add("c") {
		t.Fatal("recent id forgotten")
	}
	if !s.Add("a") {
		t.Fatal("evicted id still remembered")
	}
}

func TestRemoteInterpolation(t *testing.T) {
	r, c := newReconciler(t)
	// B has only the join sample: rendered as-is.
	if got := owned(t, r.View(c.now()), "B"); got.Position != (domain.Vec{X: 5, Y: 5}) {
		t.Fatalf("single sample %+v", got.Position)
	}

	c.advance(100 * time.Millisecond)
	pos := domain.Vec{X: 15, Y: 5}
	r.Receive(env(t, proto.TypeDelta, proto.Delta{Tick: 1, EntityID: "B", Fields: proto.Fields{Position: &pos}}))
	r.Frame(c.now())

	// Render time lags by the interpolation delay: half way between samples.
	c.advance(50 * time.Millisecond)
	if got := owned(t, r.View(c.now()), "B"); got.Position != (domain.Vec{X: 10, Y: 5}) {
		t.Fatalf("interpolated %+v", got.Position)
	}
	c.advance(time.Second)
	if got := owned(t, r.View(c.now()), "B"); got.Position != pos {
		t.Fatalf("settled %+v", got.Position)
	}
}

func TestUnknownPlayerIsAnomaly(t *testing.T) {
	r, c := newReconciler(t)
	var hooked []Anomaly
	r.OnAnomaly(func(a Anomaly) { hooked = append(hooked, a) })
	pos := domain.Vec{X: 1, Y: 1}
	r.Receive(env(t, proto.TypeDelta, proto.Delta{Tick: 1, EntityID: "ghost", Fields: proto.Fields{Kind: domain.KindPlayer, Owner: "ghost", Position: &pos}}))
	view := r.Frame(c.now())
	if _, ok := view.Get("ghost"); ok {
		t.Fatal("ghost entity created")
	}
	if got := r.Anomalies(); len(got) != 1 || got[0].EntityID != "ghost" || len(hooked) != 1 {
		t.Fatalf("anomalies %+v", got)
	}
}

func TestMemberLeftDropsEntityAndMovesHost(t *testing.T) {
	r, c := newReconciler(t)
	r.Receive(env(t, proto.TypeMemberLeft, proto.MemberLeft{IdentityID: "B", Host: "A"}))
	view := r.Frame(c.now())
	if _, ok := view.Get("B"); ok {
		t.Fatal("departed member's entity kept")
	}
	if err := r.Model().Validate(); err != nil {
		t.Fatal(err)
	}
}

// Authoritative deltas for one entity delivered in random order, with
// duplicates, must converge on the highest tick.
func TestOutOfOrderDeliveryConverges(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 5))
	for run := 0; run < 100; run++ {
		r, c := newReconciler(t)
		var envs []proto.Envelope
		n := 1 + rng.IntN(30)
		for tick := 1; tick <= n; tick++ {
			pos := domain.Vec{X: float64(tick), Y: float64(run)}
			envs = append(envs, env(t, proto.TypeDelta, proto.Delta{Tick: uint64(tick), EntityID: "B", Fields: proto.Fields{Position: &pos}}))
		}
		for i := 0; i < n/2; i++ {
			envs = append(envs, envs[rng.IntN(n)])
		}
		rng.Shuffle(len(envs), func(i, j int) { envs[i], envs[j] = envs[j], envs[i] })

		for len(envs) > 0 {
			k := min(len(envs), 1+rng.IntN(4))
			r.Receive(envs[:k]...)
			envs = envs[k:]
			c.advance(16 * time.Millisecond)
			r.Frame(c.now())
		}
		e, _ := r.Model().Entity("B")
		if e.LastUpdateTick != uint64(n) || e.Position.X != float64(n) {
			t.Fatalf("run %d: converged on %+v, want tick %d", run, e, n)
		}
		if err := r.Model().Validate(); err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
	}
}

func TestPredictBeforeJoin(t *testing.T) {
	r := New(DefaultConfig())
	if _, err := r.Predict(Input{}); err != ErrNoRoom {
		t.Fatalf("got %v", err)
	}
}
