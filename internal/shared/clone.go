package shared

import "reflect"

type cloneVisit struct {
	typ reflect.Type
	ptr uintptr
}

// CloneMap deep-copies a JSON-like map. Nested maps, slices and pointers are
// copied; cyclic references are preserved rather than followed forever.
func CloneMap(source map[string]interface{}) map[string]interface{} {
	if source == nil {
		return nil
	}
	cloned := deepCopy(reflect.ValueOf(source), make(map[cloneVisit]reflect.Value))
	out, _ := cloned.Interface().(map[string]interface{})
	return out
}

func deepCopy(value reflect.Value, seen map[cloneVisit]reflect.Value) reflect.Value {
	if !value.IsValid() {
		return value
	}

	switch value.Kind() {
	case reflect.Map:
		if value.IsNil() {
			return reflect.Zero(value.Type())
		}
		visit := cloneVisit{typ: value.Type(), ptr: value.Pointer()}
		if cached, ok := seen[visit]; ok {
			return cached
		}
		out := reflect.MakeMapWithSize(value.Type(), value.Len())
		seen[visit] = out
		iter := value.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), deepCopy(iter.Value(), seen))
		}
		return out

	case reflect.Slice:
		if value.IsNil() {
			return reflect.Zero(value.Type())
		}
		visit := cloneVisit{typ: value.Type(), ptr: value.Pointer()}
		if cached, ok := seen[visit]; ok {
			return cached
		}
		out := reflect.MakeSlice(value.Type(), value.Len(), value.Len())
		seen[visit] = out
		for i := 0; i < value.Len(); i++ {
			out.Index(i).Set(deepCopy(value.Index(i), seen))
		}
		return out

	case reflect.Ptr:
		if value.IsNil() {
			return reflect.Zero(value.Type())
		}
		visit := cloneVisit{typ: value.Type(), ptr: value.Pointer()}
		if cached, ok := seen[visit]; ok {
			return cached
		}
		out := reflect.New(value.Type().Elem())
		seen[visit] = out
		out.Elem().Set(deepCopy(value.Elem(), seen))
		return out

	case reflect.Interface:
		if value.IsNil() {
			return reflect.Zero(value.Type())
		}
		inner := deepCopy(value.Elem(), seen)
		out := reflect.New(value.Type()).Elem()
		out.Set(inner)
		return out

	default:
		return value
	}
}

// Clone returns a deep copy of the swarm.
func (s *Swarm) Clone() *Swarm {
	if s == nil {
		return nil
	}
	c := *s
	c.Config = CloneMap(s.Config)
	return &c
}

// Clone returns a deep copy of the agent.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	c := *a
	c.Capabilities = CopyStrings(a.Capabilities)
	c.Metadata = CloneMap(a.Metadata)
	return &c
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Dependencies = CopyStrings(t.Dependencies)
	c.AssignedAgents = CopyStrings(t.AssignedAgents)
	c.RequiredCapabilities = CopyStrings(t.RequiredCapabilities)
	c.Result = CloneMap(t.Result)
	c.Metadata = CloneMap(t.Metadata)
	return &c
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Content = CloneMap(m.Content)
	return &c
}

// Clone returns a deep copy of the proposal.
func (p *ConsensusProposal) Clone() *ConsensusProposal {
	if p == nil {
		return nil
	}
	c := *p
	c.Proposal = CloneMap(p.Proposal)
	if p.Votes != nil {
		c.Votes = make(map[string]Vote, len(p.Votes))
		for k, v := range p.Votes {
			c.Votes[k] = v
		}
	}
	if p.VoterWeights != nil {
		c.VoterWeights = make(map[string]float64, len(p.VoterWeights))
		for k, v := range p.VoterWeights {
			c.VoterWeights[k] = v
		}
	}
	return &c
}

// Clone returns a deep copy of the memory entry.
func (e *MemoryEntry) Clone() *MemoryEntry {
	if e == nil {
		return nil
	}
	c := *e
	if e.Value != nil {
		c.Value = append([]byte(nil), e.Value...)
	}
	c.Metadata = CloneMap(e.Metadata)
	return &c
}
