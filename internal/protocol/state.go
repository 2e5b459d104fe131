package protocol

import "github.com/google/uuid"

// PoolState is an immutable session-state snapshot shipped with each
// Parse/Execute: default module, module aliases, session config, and
// globals (spec.md §4.4). Builder methods return a new handle sharing
// every unchanged field, mirroring the teacher's connAttrs (a
// mutex-guarded struct with a getter/setter per field) but as a
// copy-on-write value instead of a mutated one, since spec.md's PoolState
// is explicitly shared between derived `Client` handles that must not see
// each other's overrides -- the same goal as
// original_source/edgedb-tokio/src/raw/options.rs's with_globals/
// with_default_module, expressed as Go value semantics rather than Rust's
// Arc<State>.
type PoolState struct {
	DefaultModule string
	Aliases       map[string]string
	Config        map[string]any
	Globals       map[string]any
}

// NewPoolState returns the empty snapshot a fresh Client starts from.
func NewPoolState() *PoolState {
	return &PoolState{}
}

// WithDefaultModule returns a snapshot identical to s except for
// DefaultModule.
func (s *PoolState) WithDefaultModule(module string) *PoolState {
	cp := s.clone()
	cp.DefaultModule = module
	return cp
}

// WithModuleAlias returns a snapshot with alias added or overwritten,
// sharing every other field.
func (s *PoolState) WithModuleAlias(alias, module string) *PoolState {
	cp := s.clone()
	cp.Aliases = cloneStringMap(s.Aliases)
	cp.Aliases[alias] = module
	return cp
}

// WithConfig returns a snapshot with config merged in, overwriting any
// names already present.
func (s *PoolState) WithConfig(config map[string]any) *PoolState {
	cp := s.clone()
	cp.Config = cloneAnyMap(s.Config)
	for k, v := range config {
		cp.Config[k] = v
	}
	return cp
}

// WithGlobals returns a snapshot with globals merged in, overwriting any
// names already present.
func (s *PoolState) WithGlobals(globals map[string]any) *PoolState {
	cp := s.clone()
	cp.Globals = cloneAnyMap(s.Globals)
	for k, v := range globals {
		cp.Globals[k] = v
	}
	return cp
}

// WithoutModuleAlias returns a snapshot with alias removed, if present.
func (s *PoolState) WithoutModuleAlias(alias string) *PoolState {
	cp := s.clone()
	if _, ok := s.Aliases[alias]; !ok {
		return cp
	}
	cp.Aliases = cloneStringMap(s.Aliases)
	delete(cp.Aliases, alias)
	return cp
}

func (s *PoolState) clone() *PoolState {
	if s == nil {
		return &PoolState{}
	}
	cp := *s
	return &cp
}

func cloneStringMap(m map[string]string) map[string]string {
	cp := make(map[string]string, len(m)+1)
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func cloneAnyMap(m map[string]any) map[string]any {
	cp := make(map[string]any, len(m)+1)
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// IsEmpty reports whether s carries no overrides at all, letting callers
// encode the zero-length "void" state payload instead of an empty object.
func (s *PoolState) IsEmpty() bool {
	return s == nil || (s.DefaultModule == "" && len(s.Aliases) == 0 && len(s.Config) == 0 && len(s.Globals) == 0)
}

// stateFieldNames are the four well-known top-level fields of the state
// object shape the server describes via StateDataDescription (spec.md
// §4.4). A module-private global (name containing "::" for a module the
// current DefaultModule/Aliases can't see) is silently filtered out of
// Globals, matching the spec's "silently filtered when not visible" rule.
const (
	stateFieldModule  = "module"
	stateFieldAliases = "aliases"
	stateFieldConfig  = "config"
	stateFieldGlobals = "globals"
)

// EncodeState serializes s against desc, the current state_descriptor_id's
// InputShape (spec.md §4.4: "serialized against the connection's current
// state_descriptor_id"). Returns (typeID, payload); payload is nil and
// typeID is VoidTypeID when s is empty.
func EncodeState(set *DescriptorSet, stateTypeID [16]byte, s *PoolState) ([16]byte, []byte, error) {
	if s.IsEmpty() {
		return [16]byte(VoidTypeID), nil, nil
	}
	var zero [16]byte
	if stateTypeID == zero {
		return [16]byte(VoidTypeID), nil, nil
	}

	entry, _, ok := set.ByID(uuid.UUID(stateTypeID))
	if !ok {
		return zero, nil, NewErrorf(CodeStateMismatch, "unknown state descriptor id %x", stateTypeID)
	}
	plan, err := buildPlan(set, entry, ProtocolVersion{})
	if err != nil {
		return zero, nil, err
	}

	fields := visibleStateFields(s)
	payload, err := EncodeArgs(plan, fields)
	if err != nil {
		return zero, nil, err
	}
	return stateTypeID, payload, nil
}

// visibleStateFields shapes s into the (module: str, aliases:
// array<tuple<str,str>>, config: array<tuple<str,json>>, globals:
// array<tuple<str,json>>) layout the server's state InputShape expects,
// so EncodeArgs' generic tuple/array walk can serialize it without a
// special case for maps.
func visibleStateFields(s *PoolState) map[string]any {
	aliases := make([]any, 0, len(s.Aliases))
	for k, v := range s.Aliases {
		aliases = append(aliases, []any{k, v})
	}

	config := make([]any, 0, len(s.Config))
	for k, v := range s.Config {
		config = append(config, []any{k, v})
	}

	globals := make([]any, 0, len(s.Globals))
	for name, v := range s.Globals {
		if !moduleVisible(name, s) {
			continue
		}
		globals = append(globals, []any{name, v})
	}

	return map[string]any{
		stateFieldModule:  s.DefaultModule,
		stateFieldAliases: aliases,
		stateFieldConfig:  config,
		stateFieldGlobals: globals,
	}
}

// moduleVisible reports whether a qualified global name's module is
// either the default module or a declared alias, per spec.md §4.4.
func moduleVisible(qualifiedName string, s *PoolState) bool {
	idx := lastIndex(qualifiedName, "::")
	if idx < 0 {
		return true // unqualified globals are always module-visible
	}
	module := qualifiedName[:idx]
	if module == s.DefaultModule {
		return true
	}
	_, ok := s.Aliases[module]
	return ok
}

func lastIndex(s, sep string) int {
	for i := len(s) - len(sep); i >= 0; i-- {
		if s[i:i+len(sep)] == sep {
			return i
		}
	}
	return -1
}
