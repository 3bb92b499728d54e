package session

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func committed(t *testing.T, d *Document, etag string, changeNumber int64) *Document {
	t.Helper()
	c := d.shallowCopy()
	c.ETag = etag
	c.ChangeNumber = changeNumber
	return c
}

func TestBuilderJoinAndReserve(t *testing.T) {
	ref := Reference{SCID: "scid", Template: "lobby", Name: "s1"}
	b := NewBuilder(New(ref, Constants{}), "alice")
	if err := b.SetMaxMembers(2); err != nil {
		t.Fatalf("SetMaxMembers: %v", err)
	}
	if err := b.Join(nil, false, true); err != nil {
		t.Fatalf("Join: %v", err)
	}
	me := b.Preview().CurrentUser()
	if me == nil || me.UserID != "alice" || me.Status != MemberActive {
		t.Fatalf("current user = %+v, want active alice", me)
	}
	if !b.Preview().IsOwner(me.ID) {
		t.Fatalf("creator should own the session")
	}
	if err := b.AddMemberReservation("bob", map[string]int{"slot": 1}, true); err != nil {
		t.Fatalf("AddMemberReservation: %v", err)
	}
	if got := len(b.Preview().Members); got != 2 {
		t.Fatalf("members = %d, want 2", got)
	}
	if bob := b.Preview().MemberByUser("bob"); bob == nil || bob.Status != MemberReserved {
		t.Fatalf("bob = %+v, want reserved", bob)
	}

	err := b.AddMemberReservation("carol", nil, false)
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("third reservation err = %v, want ErrCapacityExceeded", err)
	}
	if got := len(b.Preview().Members); got != 2 {
		t.Fatalf("rejected reservation changed preview: %d members", got)
	}
	if _, ok := b.Patch().Members["reserve_1"]; ok {
		t.Fatalf("rejected reservation leaked into patch")
	}
}

func TestBuilderJoinTwice(t *testing.T) {
	b := NewBuilder(New(Reference{}, Constants{}), "alice")
	if err := b.Join(nil, false, true); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := b.Join(nil, false, true); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("second Join err = %v, want ErrAlreadyJoined", err)
	}
}

func TestBuilderJoinPromotesReservation(t *testing.T) {
	ref := Reference{SCID: "scid", Template: "game", Name: "g"}
	seed := NewBuilder(New(ref, Constants{}), "host")
	if err := seed.Join(nil, false, true); err != nil {
		t.Fatal(err)
	}
	if err := seed.AddMemberReservation("bob", nil, false); err != nil {
		t.Fatal(err)
	}
	base := committed(t, seed.Preview(), "A", 1)

	b := NewBuilder(base, "bob")
	if err := b.Join(nil, false, true); err != nil {
		t.Fatalf("Join on reservation: %v", err)
	}
	bob := b.Preview().MemberByUser("bob")
	if bob.Status != MemberActive {
		t.Fatalf("bob status = %s, want active", bob.Status)
	}
	if bob.ID != base.MemberByUser("bob").ID {
		t.Fatalf("promotion changed member id")
	}
}

func TestBuilderDuplicateReservation(t *testing.T) {
	b := NewBuilder(New(Reference{}, Constants{}), "alice")
	if err := b.AddMemberReservation("bob", nil, false); err != nil {
		t.Fatal(err)
	}
	if err := b.AddMemberReservation("bob", nil, false); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("err = %v, want ErrAlreadyJoined", err)
	}
	if err := b.AddMemberReservation("", nil, false); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestBuilderConstantsLockedAfterCommit(t *testing.T) {
	base := committed(t, New(Reference{SCID: "s", Template: "t", Name: "n"}, Constants{}), "etag", 1)
	b := NewBuilder(base, "alice")

	cases := []struct {
		name string
		fn   func() error
	}{
		{"max members", func() error { return b.SetMaxMembers(4) }},
		{"visibility", func() error { return b.SetVisibility(VisibilityOpen) }},
		{"initiators", func() error { return b.SetInitiators("alice") }},
		{"custom", func() error { return b.SetConstantsCustom(map[string]string{"mode": "ffa"}) }},
		{"timeouts", func() error { return b.SetTimeouts(Timeouts{}) }},
		{"capabilities", func() error { return b.SetCapabilities(map[string]bool{"crossplay": true}) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.fn(); !errors.Is(err, ErrInvalidState) {
				t.Fatalf("err = %v, want ErrInvalidState", err)
			}
		})
	}
	if !b.Empty() {
		t.Fatalf("rejected constants staged a patch")
	}
	if err := b.SetProperty("map", "harbor"); err != nil {
		t.Fatalf("SetProperty after commit: %v", err)
	}
}

func TestBuilderConstantsBeforeCommit(t *testing.T) {
	b := NewBuilder(New(Reference{}, Constants{}), "alice")
	if err := b.SetVisibility(VisibilityPrivate); err != nil {
		t.Fatal(err)
	}
	d := 30 * time.Second
	if err := b.SetTimeouts(Timeouts{MemberInactive: &d}); err != nil {
		t.Fatal(err)
	}
	p := b.Patch()
	if p.Constants == nil || p.Constants.Visibility == nil || *p.Constants.Visibility != VisibilityPrivate {
		t.Fatalf("constants patch = %+v", p.Constants)
	}
	if *b.Preview().Constants.Timeouts.MemberInactive != d {
		t.Fatalf("preview timeouts not applied")
	}
	body, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	var generic map[string]map[string]any
	if err := json.Unmarshal(body, &generic); err != nil {
		t.Fatal(err)
	}
	if _, ok := generic["constants"]["maxMembersCount"]; ok {
		t.Fatalf("unset max members serialized: %s", body)
	}
}

func TestBuilderPropertiesAndDelete(t *testing.T) {
	base := New(Reference{}, Constants{})
	base.Properties.Custom = map[string]json.RawMessage{"old": json.RawMessage(`1`)}
	b := NewBuilder(base, "alice")

	if err := b.SetProperty("map", "harbor"); err != nil {
		t.Fatal(err)
	}
	if err := b.DeleteProperty("old"); err != nil {
		t.Fatal(err)
	}
	if err := b.SetProperty("", 1); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("empty name err = %v", err)
	}
	if err := b.SetProperty("bad", json.RawMessage(`{`)); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("invalid raw err = %v", err)
	}

	custom := b.Preview().Properties.Custom
	if string(custom["map"]) != `"harbor"` {
		t.Fatalf("map = %s", custom["map"])
	}
	if _, ok := custom["old"]; ok {
		t.Fatalf("deleted property still present")
	}
	if _, ok := base.Properties.Custom["map"]; ok {
		t.Fatalf("builder mutated base document")
	}
	if string(b.Patch().Properties.Custom["old"]) != "null" {
		t.Fatalf("delete not encoded as null")
	}
}

func TestBuilderLeaveExpectsDeletion(t *testing.T) {
	seed := NewBuilder(New(Reference{SCID: "s", Template: "t", Name: "n"}, Constants{}), "alice")
	if err := seed.Join(nil, false, true); err != nil {
		t.Fatal(err)
	}
	base := committed(t, seed.Preview(), "A", 1)

	b := NewBuilder(base, "alice")
	if err := b.Leave(); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if !b.ExpectsDeletion() {
		t.Fatalf("sole member leaving should expect deletion")
	}
	if !b.Patch().Leaves() {
		t.Fatalf("patch does not encode leave")
	}

	other := NewBuilder(base, "mallory")
	if err := other.Leave(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("non-member Leave err = %v, want ErrInvalidState", err)
	}
}

func TestBuilderCurrentUserStatus(t *testing.T) {
	b := NewBuilder(New(Reference{}, Constants{}), "alice")
	if err := b.SetCurrentUserStatus(MemberActive); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("status before join err = %v, want ErrInvalidState", err)
	}
	if err := b.Join(nil, false, false); err != nil {
		t.Fatal(err)
	}
	for _, s := range []MemberStatus{MemberReserved, MemberReady} {
		if err := b.SetCurrentUserStatus(s); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("SetCurrentUserStatus(%s) err = %v, want ErrInvalidArgument", s, err)
		}
	}
	if err := b.SetCurrentUserStatus(MemberActive); err != nil {
		t.Fatal(err)
	}
	if got := b.Preview().CurrentUser().Status; got != MemberActive {
		t.Fatalf("status = %s, want active", got)
	}
}

func TestBuilderCurrentUserProperties(t *testing.T) {
	b := NewBuilder(New(Reference{}, Constants{}), "alice")
	if err := b.SetCurrentUserProperty("skill", 10); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
	if err := b.Join(nil, false, true); err != nil {
		t.Fatal(err)
	}
	if err := b.SetCurrentUserProperty("skill", 10); err != nil {
		t.Fatal(err)
	}
	if err := b.SetCurrentUserConnectionAddress("10.0.0.1:3074"); err != nil {
		t.Fatal(err)
	}
	if err := b.SetCurrentUserGroups("red"); err != nil {
		t.Fatal(err)
	}
	me := b.Preview().CurrentUser()
	if string(me.Custom["skill"]) != "10" || me.ConnectionAddress != "10.0.0.1:3074" || len(me.Groups) != 1 {
		t.Fatalf("member = %+v", me)
	}
	if err := b.DeleteCurrentUserProperty("skill"); err != nil {
		t.Fatal(err)
	}
	if _, ok := b.Preview().CurrentUser().Custom["skill"]; ok {
		t.Fatalf("deleted member property still present")
	}
}

func TestBuilderMutableRoleSettings(t *testing.T) {
	base := New(Reference{}, Constants{})
	two := 2
	base.RoleTypes = map[string]RoleType{
		"class": {OwnerManaged: true, MutableRoleSettings: []string{"max"}, Roles: map[string]Role{"healer": {Max: &two}}},
	}
	seed := NewBuilder(base, "alice")
	if err := seed.Join(nil, false, true); err != nil {
		t.Fatal(err)
	}
	if err := seed.AddMemberReservation("bob", nil, false); err != nil {
		t.Fatal(err)
	}
	c := committed(t, seed.Preview(), "A", 1)

	three := 3
	owner := NewBuilder(c, "alice")
	if err := owner.SetMutableRoleSettings("class", "healer", &three, nil); err != nil {
		t.Fatalf("owner SetMutableRoleSettings: %v", err)
	}
	if got := *owner.Preview().RoleTypes["class"].Roles["healer"].Max; got != 3 {
		t.Fatalf("max = %d, want 3", got)
	}
	if got := *c.RoleTypes["class"].Roles["healer"].Max; got != 2 {
		t.Fatalf("base mutated: max = %d", got)
	}
	if err := owner.SetMutableRoleSettings("class", "healer", nil, &three); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("immutable target err = %v, want ErrInvalidArgument", err)
	}

	notOwner := NewBuilder(c, "bob")
	if err := notOwner.Join(nil, false, true); err != nil {
		t.Fatal(err)
	}
	if err := notOwner.SetMutableRoleSettings("class", "healer", &three, nil); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("non-owner err = %v, want ErrInvalidState", err)
	}
}

func TestBuilderSharesUnchangedMembers(t *testing.T) {
	seed := NewBuilder(New(Reference{}, Constants{}), "alice")
	if err := seed.Join(nil, false, true); err != nil {
		t.Fatal(err)
	}
	if err := seed.AddMemberReservation("bob", nil, false); err != nil {
		t.Fatal(err)
	}
	base := committed(t, seed.Preview().ForUsers(), "A", 1)

	b := NewBuilder(base, "")
	if err := b.SetProperty("k", true); err != nil {
		t.Fatal(err)
	}
	for i, m := range b.Preview().Members {
		if m != base.Members[i] {
			t.Fatalf("member %d was copied, want shared pointer", m.ID)
		}
	}
}
