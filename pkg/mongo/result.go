package mongo

import (
	"fmt"
	"math"
)

// MemberState is a replica set member state as reported in myState
type MemberState int

const (
	// StateAbsent marks a result without a myState field
	StateAbsent MemberState = -1

	Startup    MemberState = 0
	Primary    MemberState = 1
	Secondary  MemberState = 2
	Recovering MemberState = 3
	Startup2   MemberState = 5
	Unknown    MemberState = 6
	Arbiter    MemberState = 7
	Down       MemberState = 8
	Rollback   MemberState = 9
	Removed    MemberState = 10
)

func (s MemberState) String() string {
	switch s {
	case StateAbsent:
		return "ABSENT"
	case Startup:
		return "STARTUP"
	case Primary:
		return "PRIMARY"
	case Secondary:
		return "SECONDARY"
	case Recovering:
		return "RECOVERING"
	case Startup2:
		return "STARTUP2"
	case Unknown:
		return "UNKNOWN"
	case Arbiter:
		return "ARBITER"
	case Down:
		return "DOWN"
	case Rollback:
		return "ROLLBACK"
	case Removed:
		return "REMOVED"
	}
	return fmt.Sprintf("STATE(%d)", int(s))
}

// Result is the parsed reply of an administrative command
type Result struct {
	OK      bool
	MyState MemberState
	Message string // errmsg of a failed command
	Doc     map[string]any

	// ParseErr is set when the reply could not be decoded; OK is false then.
	ParseErr error
}

// Ready reports whether the command succeeded.
func (r *Result) Ready() bool {
	return r.OK
}

// Replicating reports whether the member is a primary or a secondary.
func (r *Result) Replicating() bool {
	return r.OK && (r.MyState == Primary || r.MyState == Secondary)
}

// resultFromDoc interprets a decoded reply. Numbers may arrive as float64
// (JSON) or as int32/int64/float64 (BSON).
func resultFromDoc(doc map[string]any) *Result {
	res := &Result{
		OK:      truthy(doc["ok"]),
		MyState: StateAbsent,
		Doc:     doc,
	}

	if n, ok := toInt(doc["myState"]); ok {
		res.MyState = MemberState(n)
	}
	if msg, ok := doc["errmsg"].(string); ok {
		res.Message = msg
	}

	return res
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case nil:
		return false
	}
	n, ok := toFloat(v)
	return ok && n != 0
}

func toInt(v any) (int, bool) {
	f, ok := toFloat(v)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}
