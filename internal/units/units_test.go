package units

import "testing"

func TestCacheStateTransitions(t *testing.T) {
	if !Pending.CanTransitionTo(Present) {
		t.Fatalf("Pending->Present should be legal")
	}
	if !Pending.CanTransitionTo(Evicted) {
		t.Fatalf("Pending->Evicted should be legal")
	}
	if !Present.CanTransitionTo(Evicted) {
		t.Fatalf("Present->Evicted should be legal")
	}
	if Evicted.CanTransitionTo(Present) {
		t.Fatalf("Evicted should be terminal")
	}
	if Present.CanTransitionTo(Pending) {
		t.Fatalf("Present->Pending should be illegal")
	}
}

func TestCapabilityExceedsMask(t *testing.T) {
	c := CapDDL | CapModifications
	if !c.ExceedsMask(CapModifications) {
		t.Fatalf("expected DDL bit to exceed a modifications-only mask")
	}
	if c.ExceedsMask(CapDDL | CapModifications | CapTransaction) {
		t.Fatalf("expected a superset mask to not be exceeded")
	}
}

func TestGroupIsSingleUnitPresent(t *testing.T) {
	g := &Group{Units: []Unit{{SQL: "select 1"}}, CacheState: Present}
	if !g.IsSingleUnitPresent() {
		t.Fatalf("expected single present unit group to qualify")
	}
	g.Units = append(g.Units, Unit{SQL: "select 2"})
	if g.IsSingleUnitPresent() {
		t.Fatalf("expected multi-unit group to not qualify")
	}
}

func TestGroupIsRollbackOnly(t *testing.T) {
	g := &Group{Units: []Unit{{TxRollback: true}}}
	if !g.IsRollbackOnly() {
		t.Fatalf("expected rollback unit to qualify")
	}
	g2 := &Group{Units: []Unit{{SQL: "select 1"}}}
	if g2.IsRollbackOnly() {
		t.Fatalf("expected ordinary select to not qualify")
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	u := Unit{SQL: "select 1", Capabilities: CapModifications, ParamLayout: []ParamInfo{{Name: "a", Pos: 0}}}
	data, err := Serialize(u)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	got, err := Deserialize(data)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if got.SQL != u.SQL || got.Capabilities != u.Capabilities || len(got.ParamLayout) != 1 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}
