package settings

// CurrentVersion is the options schema version written by Default.
const CurrentVersion = 1

// Default returns a fresh options tree with one unconditioned profile.
func Default() map[string]any {
	return map[string]any{
		"version":        float64(CurrentVersion),
		"profileCurrent": float64(0),
		"profiles": []any{
			map[string]any{
				"name":            "Default",
				"conditionGroups": []any{},
				"options":         DefaultProfileOptions(),
			},
		},
		"global": map[string]any{
			"database": map[string]any{
				"prefixWildcardsSupported": false,
			},
		},
	}
}

// DefaultProfileOptions returns the options of a new profile.
func DefaultProfileOptions() map[string]any {
	return map[string]any{
		"general": map[string]any{
			"enable":           true,
			"language":         "ja",
			"resultOutputMode": "group",
			"maxResults":       float64(32),
		},
		"popupWindow": map[string]any{
			"width":       float64(400),
			"height":      float64(250),
			"left":        float64(0),
			"top":         float64(0),
			"useLeft":     false,
			"useTop":      false,
			"windowType":  "popup",
			"windowState": "normal",
		},
		"scanning": map[string]any{
			"length":      float64(10),
			"deepDomScan": false,
		},
		"parsing": map[string]any{
			"enableScanningParser": true,
			"enableMecabParser":    false,
			"readingMode":          "hiragana",
		},
		"anki": map[string]any{
			"enable":         false,
			"server":         "http://127.0.0.1:8765",
			"duplicateScope": "collection",
		},
		"clipboard": map[string]any{
			"enableBackgroundMonitor": false,
			"maximumSearchLength":     float64(1000),
		},
	}
}
