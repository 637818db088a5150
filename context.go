package relay

import (
	"fmt"
	"maps"
	"strings"
)

// --- Deps ---

// Deps is the dependency bag a session injects at run start: collaborator
// handles, HITL configuration, host services. Tools read it through
// RunContext; mutation happens only through ContextUpdate values applied by
// the runner between tool executions.
type Deps map[string]any

// Well-known deps keys. Keys with the "__" prefix are reserved for the
// runtime and rejected from tool updates.
const (
	DepsHITLConfig    = "hitl_config"
	DepsMemoryManager = "memory_manager"

	reservedDepsPrefix = "__"
)

// MemoryManager returns the opaque memory collaborator, if the host
// installed one.
func (d Deps) MemoryManager() any {
	return d[DepsMemoryManager]
}

// Clone returns a shallow copy. Apply never mutates its input, so a clone
// taken before a run is a stable snapshot.
func (d Deps) Clone() Deps {
	if d == nil {
		return Deps{}
	}
	return maps.Clone(d)
}

// --- ContextUpdate ---

// UpdateOp is a single deps mutation. Ops apply in order.
type UpdateOp struct {
	Op    string `json:"op"` // "set", "merge", "append", "delete"
	Key   string `json:"key"`
	Value any    `json:"value,omitempty"`
}

// ContextUpdate is a declarative batch of deps mutations returned by a tool
// handler alongside its result. The zero value is a no-op.
type ContextUpdate struct {
	Ops []UpdateOp `json:"ops"`
}

// Update starts an empty update for chaining:
//
//	relay.Update().Set("count", 3).Append("log", "entry")
func Update() ContextUpdate {
	return ContextUpdate{}
}

// Set stores value under key unconditionally.
func (u ContextUpdate) Set(key string, value any) ContextUpdate {
	u.Ops = append(u.Ops, UpdateOp{Op: "set", Key: key, Value: value})
	return u
}

// Merge shallow-merges m into the map stored under key. The target must be
// a map or absent.
func (u ContextUpdate) Merge(key string, m map[string]any) ContextUpdate {
	u.Ops = append(u.Ops, UpdateOp{Op: "merge", Key: key, Value: m})
	return u
}

// Append appends items to the list stored under key. The target must be a
// list or absent.
func (u ContextUpdate) Append(key string, items ...any) ContextUpdate {
	u.Ops = append(u.Ops, UpdateOp{Op: "append", Key: key, Value: items})
	return u
}

// Delete removes key. Deleting an absent key is a no-op.
func (u ContextUpdate) Delete(key string) ContextUpdate {
	u.Ops = append(u.Ops, UpdateOp{Op: "delete", Key: key})
	return u
}

// Empty reports whether the update carries no ops.
func (u ContextUpdate) Empty() bool { return len(u.Ops) == 0 }

// ContextUpdateTypeError reports a merge or append against a value of the
// wrong shape. It fails the tool call that produced the update, not the run.
type ContextUpdateTypeError struct {
	Op   string
	Key  string
	Want string
	Got  string
}

func (e *ContextUpdateTypeError) Error() string {
	return fmt.Sprintf("context update %s %q: target is %s, want %s", e.Op, e.Key, e.Got, e.Want)
}

// Apply runs the update against deps and returns the resulting bag. The
// input is never mutated; nested maps and lists are copied before merging
// so earlier snapshots stay stable. Reserved keys and shape conflicts
// return an error and leave no partial application visible to the caller.
func (u ContextUpdate) Apply(deps Deps) (Deps, error) {
	if len(u.Ops) == 0 {
		return deps, nil
	}
	out := deps.Clone()
	for _, op := range u.Ops {
		if strings.HasPrefix(op.Key, reservedDepsPrefix) {
			return nil, wrapError(KindContextUpdateType, fmt.Sprintf("key %q is reserved", op.Key), nil)
		}
		switch op.Op {
		case "set":
			out[op.Key] = op.Value
		case "merge":
			src, ok := op.Value.(map[string]any)
			if !ok {
				return nil, &ContextUpdateTypeError{Op: "merge", Key: op.Key, Want: "map", Got: typeName(op.Value)}
			}
			target, exists := out[op.Key]
			if !exists {
				out[op.Key] = maps.Clone(src)
				continue
			}
			dst, ok := target.(map[string]any)
			if !ok {
				return nil, &ContextUpdateTypeError{Op: "merge", Key: op.Key, Want: "map", Got: typeName(target)}
			}
			merged := maps.Clone(dst)
			maps.Copy(merged, src)
			out[op.Key] = merged
		case "append":
			items, ok := op.Value.([]any)
			if !ok {
				return nil, &ContextUpdateTypeError{Op: "append", Key: op.Key, Want: "list", Got: typeName(op.Value)}
			}
			target, exists := out[op.Key]
			if !exists {
				out[op.Key] = append([]any{}, items...)
				continue
			}
			dst, ok := target.([]any)
			if !ok {
				return nil, &ContextUpdateTypeError{Op: "append", Key: op.Key, Want: "list", Got: typeName(target)}
			}
			grown := make([]any, 0, len(dst)+len(items))
			grown = append(grown, dst...)
			grown = append(grown, items...)
			out[op.Key] = grown
		case "delete":
			delete(out, op.Key)
		default:
			return nil, wrapError(KindContextUpdateType, fmt.Sprintf("unknown op %q", op.Op), nil)
		}
	}
	return out, nil
}

// Invert builds the update that undoes u against the given pre-state:
// applying u and then its inverse restores deps. The inverse is snapshot
// based (set/delete of prior values), so it is only valid against the deps
// it was derived from.
func (u ContextUpdate) Invert(deps Deps) ContextUpdate {
	inv := ContextUpdate{}
	touched := map[string]bool{}
	// Reverse order does not matter for snapshot-based inversion, but
	// each key must be restored exactly once.
	for _, op := range u.Ops {
		if touched[op.Key] {
			continue
		}
		touched[op.Key] = true
		old, exists := deps[op.Key]
		if !exists {
			inv = inv.Delete(op.Key)
			continue
		}
		inv = inv.Set(op.Key, old)
	}
	return inv
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "map"
	case []any:
		return "list"
	case string:
		return "string"
	case bool:
		return "bool"
	case float64, float32, int, int32, int64:
		return "number"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// --- Run views ---

// RunContext is the read view handed to tool handlers: the deps snapshot,
// the retry attempt index (0 on the first try), and the usage totals at
// dispatch time. Cancellation arrives through the context.Context passed
// to the handler; its cancel cause carries the reason.
type RunContext struct {
	SessionID string
	RunID     string
	Deps      Deps
	Retry     int
	Usage     Usage
}

// RunState is the runner's working state for one run: the transcript, the
// current deps bag, and loop accounting. It is created at run start and
// discarded when the run terminates; Result carries the surviving pieces.
type RunState struct {
	Messages   []ChatMessage
	Deps       Deps
	Iterations int
	Usage      Usage
}
