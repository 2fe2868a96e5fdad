package popup

import (
	"fmt"

	"github.com/precondition/yomitan/host"
)

// WindowFromProfile reads the popupWindow section of a profile's options.
// Missing fields fall back to a 400x250 popup window placed by the host.
func WindowFromProfile(options map[string]any) (host.WindowSpec, host.WindowState, error) {
	spec := host.WindowSpec{Type: host.WindowTypePopup, Width: 400, Height: 250}
	raw, ok := options["popupWindow"]
	if !ok {
		return spec, host.WindowStateNormal, nil
	}
	pw, ok := raw.(map[string]any)
	if !ok {
		return spec, "", fmt.Errorf("popupWindow is %T, want object", raw)
	}

	if v, ok := number(pw["width"]); ok && v > 0 {
		spec.Width = v
	}
	if v, ok := number(pw["height"]); ok && v > 0 {
		spec.Height = v
	}
	if use, _ := pw["useLeft"].(bool); use {
		if v, ok := number(pw["left"]); ok {
			spec.Left = &v
		}
	}
	if use, _ := pw["useTop"].(bool); use {
		if v, ok := number(pw["top"]); ok {
			spec.Top = &v
		}
	}
	switch t, _ := pw["windowType"].(string); host.WindowType(t) {
	case host.WindowTypeNormal:
		spec.Type = host.WindowTypeNormal
	case host.WindowTypePopup, "":
	default:
		return spec, "", fmt.Errorf("unknown windowType %q", t)
	}

	state := host.WindowStateNormal
	if s, ok := pw["windowState"].(string); ok && s != "" {
		switch st := host.WindowState(s); st {
		case host.WindowStateNormal, host.WindowStateMaximized, host.WindowStateFullscreen, host.WindowStateMinimized:
			state = st
		default:
			return spec, "", fmt.Errorf("unknown windowState %q", s)
		}
	}
	return spec, state, nil
}

func number(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}
