package settings

import (
	"fmt"

	"github.com/precondition/yomitan/optpath"
	"github.com/precondition/yomitan/profile"
)

const (
	ScopeProfile = "profile"
	ScopeGlobal  = "global"
)

// Action is a modification kind.
type Action string

const (
	ActionSet    Action = "set"
	ActionDelete Action = "delete"
	ActionSwap   Action = "swap"
	ActionSplice Action = "splice"
	ActionPush   Action = "push"
)

// Target is one read or modification request.
type Target struct {
	Scope          string                  `json:"scope"`
	OptionsContext *profile.OptionsContext `json:"optionsContext,omitempty"`
	Action         Action                  `json:"action,omitempty"`
	Path           string                  `json:"path,omitempty"`
	Value          any                     `json:"value,omitempty"`

	// swap
	Path1 string `json:"path1,omitempty"`
	Path2 string `json:"path2,omitempty"`

	// splice / push
	Start       int   `json:"start,omitempty"`
	DeleteCount int   `json:"deleteCount,omitempty"`
	Items       []any `json:"items,omitempty"`
}

// Outcome is the per-target result. Exactly one of Result and Err is
// meaningful.
type Outcome struct {
	Result any
	Err    error
}

// TargetError reports a target that is malformed independent of the tree.
type TargetError struct {
	Target  Target
	Message string
}

func (e *TargetError) Error() string {
	return fmt.Sprintf("invalid settings target (%s %s): %s", e.Target.Action, e.Target.Path, e.Message)
}

// apply runs one modification and reports whether it wrote under profiles,
// which can change condition groups.
func (s *State) apply(t Target) (any, bool, error) {
	acc := optpath.New(s.options)
	switch t.Action {
	case ActionSet:
		p, err := s.targetPath(t, t.Path)
		if err != nil {
			return nil, false, err
		}
		if len(p) == 0 {
			return nil, false, &TargetError{Target: t, Message: "cannot replace the whole tree"}
		}
		if err := acc.Set(p, Clone(t.Value)); err != nil {
			return nil, false, err
		}
		return t.Value, touchesProfiles(p), nil
	case ActionDelete:
		p, err := s.targetPath(t, t.Path)
		if err != nil {
			return nil, false, err
		}
		if err := acc.Delete(p); err != nil {
			return nil, false, err
		}
		return true, touchesProfiles(p), nil
	case ActionSwap:
		p1, err := s.targetPath(t, t.Path1)
		if err != nil {
			return nil, false, err
		}
		p2, err := s.targetPath(t, t.Path2)
		if err != nil {
			return nil, false, err
		}
		if err := acc.Swap(p1, p2); err != nil {
			return nil, false, err
		}
		return true, touchesProfiles(p1) || touchesProfiles(p2), nil
	case ActionSplice:
		p, err := s.targetPath(t, t.Path)
		if err != nil {
			return nil, false, err
		}
		removed, err := acc.Splice(p, t.Start, t.DeleteCount, cloneItems(t.Items))
		if err != nil {
			return nil, false, err
		}
		return removed, touchesProfiles(p), nil
	case ActionPush:
		p, err := s.targetPath(t, t.Path)
		if err != nil {
			return nil, false, err
		}
		n, err := acc.Push(p, cloneItems(t.Items)...)
		if err != nil {
			return nil, false, err
		}
		return n, touchesProfiles(p), nil
	default:
		return nil, false, &TargetError{Target: t, Message: fmt.Sprintf("unknown action %q", t.Action)}
	}
}

func touchesProfiles(p optpath.Path) bool {
	return len(p) > 0 && !p[0].IsIndex() && p[0].Name() == "profiles" && (len(p) < 3 || p[2].Name() != "options")
}

func cloneItems(items []any) []any {
	if items == nil {
		return nil
	}
	return Clone(items).([]any)
}
