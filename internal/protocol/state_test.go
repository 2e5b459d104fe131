package protocol

import "testing"

func TestPoolStateBuildersAreCopyOnWrite(t *testing.T) {
	base := NewPoolState()
	withModule := base.WithDefaultModule("default")
	withAlias := withModule.WithModuleAlias("ns", "my::module")

	if base.DefaultModule != "" {
		t.Fatal("WithDefaultModule mutated the receiver")
	}
	if withModule.DefaultModule != "default" {
		t.Fatalf("withModule.DefaultModule = %q, want default", withModule.DefaultModule)
	}
	if len(withModule.Aliases) != 0 {
		t.Fatal("WithModuleAlias mutated an earlier snapshot's Aliases")
	}
	if withAlias.Aliases["ns"] != "my::module" {
		t.Fatalf("withAlias.Aliases[ns] = %q, want my::module", withAlias.Aliases["ns"])
	}
	if withAlias.DefaultModule != "default" {
		t.Fatal("WithModuleAlias lost the default module carried from its parent")
	}
}

func TestPoolStateWithConfigMergesWithoutDroppingExisting(t *testing.T) {
	s := NewPoolState().WithConfig(map[string]any{"a": 1})
	s2 := s.WithConfig(map[string]any{"b": 2})

	if _, ok := s.Config["b"]; ok {
		t.Fatal("WithConfig mutated the receiver's Config map")
	}
	if s2.Config["a"] != 1 || s2.Config["b"] != 2 {
		t.Fatalf("s2.Config = %v, want both a and b present", s2.Config)
	}
}

func TestPoolStateWithConfigOverwritesExistingKey(t *testing.T) {
	s := NewPoolState().WithConfig(map[string]any{"timeout": 10})
	s2 := s.WithConfig(map[string]any{"timeout": 20})
	if s2.Config["timeout"] != 20 {
		t.Fatalf("timeout = %v, want 20", s2.Config["timeout"])
	}
	if s.Config["timeout"] != 10 {
		t.Fatal("WithConfig mutated the original snapshot")
	}
}

func TestPoolStateWithGlobalsMerges(t *testing.T) {
	s := NewPoolState().WithGlobals(map[string]any{"user_id": 1})
	s2 := s.WithGlobals(map[string]any{"tenant": "acme"})
	if s2.Globals["user_id"] != 1 || s2.Globals["tenant"] != "acme" {
		t.Fatalf("s2.Globals = %v", s2.Globals)
	}
	if _, ok := s.Globals["tenant"]; ok {
		t.Fatal("WithGlobals mutated the receiver")
	}
}

func TestPoolStateWithoutModuleAlias(t *testing.T) {
	s := NewPoolState().WithModuleAlias("ns", "mod")
	s2 := s.WithoutModuleAlias("ns")
	if _, ok := s2.Aliases["ns"]; ok {
		t.Fatal("WithoutModuleAlias did not remove the alias")
	}
	if _, ok := s.Aliases["ns"]; !ok {
		t.Fatal("WithoutModuleAlias mutated the receiver")
	}

	s3 := s.WithoutModuleAlias("missing")
	if len(s3.Aliases) != 1 {
		t.Fatalf("removing an absent alias changed the alias set: %v", s3.Aliases)
	}
}

func TestPoolStateIsEmpty(t *testing.T) {
	if !NewPoolState().IsEmpty() {
		t.Fatal("a fresh PoolState should be empty")
	}
	var nilState *PoolState
	if !nilState.IsEmpty() {
		t.Fatal("a nil *PoolState should report empty")
	}
	if NewPoolState().WithDefaultModule("default").IsEmpty() {
		t.Fatal("a PoolState with a default module should not be empty")
	}
}

func TestEncodeStateEmptyIsVoid(t *testing.T) {
	typeID, payload, err := EncodeState(&DescriptorSet{}, [16]byte{}, NewPoolState())
	if err != nil {
		t.Fatalf("EncodeState: %v", err)
	}
	if payload != nil {
		t.Fatalf("payload = %v, want nil", payload)
	}
	if typeID != [16]byte(VoidTypeID) {
		t.Fatalf("typeID = %x, want VoidTypeID", typeID)
	}
}

func TestModuleVisibleUnqualifiedAlwaysVisible(t *testing.T) {
	s := NewPoolState()
	if !moduleVisible("user_id", s) {
		t.Fatal("an unqualified global should always be visible")
	}
}

func TestModuleVisibleQualifiedRequiresDefaultOrAlias(t *testing.T) {
	s := NewPoolState().WithDefaultModule("default")
	if !moduleVisible("default::x", s) {
		t.Fatal("a global qualified with the default module should be visible")
	}
	if moduleVisible("other::x", s) {
		t.Fatal("a global qualified with an unrelated module should not be visible")
	}

	s2 := s.WithModuleAlias("ns", "my::module")
	if !moduleVisible("ns::x", s2) {
		t.Fatal("a global qualified with a declared alias should be visible")
	}
}

func TestVisibleStateFieldsFiltersInvisibleGlobals(t *testing.T) {
	s := NewPoolState().
		WithDefaultModule("default").
		WithGlobals(map[string]any{
			"default::visible": 1,
			"other::hidden":    2,
			"unqualified":      3,
		})
	fields := visibleStateFields(s)
	globals, _ := fields[stateFieldGlobals].([]any)
	names := map[string]bool{}
	for _, g := range globals {
		pair := g.([]any)
		names[pair[0].(string)] = true
	}
	if !names["default::visible"] || !names["unqualified"] {
		t.Fatalf("expected visible globals, got %v", names)
	}
	if names["other::hidden"] {
		t.Fatalf("expected other::hidden to be filtered out, got %v", names)
	}
}
