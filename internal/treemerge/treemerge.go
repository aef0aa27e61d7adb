// Package treemerge layers nested key/value trees, such as decoded YAML
// documents or configuration defaults.
package treemerge

// Merge returns a new tree holding base with override applied on top. A key
// whose values are maps on both sides is merged recursively; otherwise the
// override value replaces the base value. Neither input is modified and the
// result shares no maps with them.
func Merge(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = clone(v)
	}

	for k, ov := range override {
		bm, baseIsMap := out[k].(map[string]any)
		om, overrideIsMap := ov.(map[string]any)
		if baseIsMap && overrideIsMap {
			out[k] = Merge(bm, om)
			continue
		}
		out[k] = clone(ov)
	}

	return out
}

// Flatten returns the leaves of tree keyed by their dot-separated paths.
// Empty nested maps produce no keys.
func Flatten(tree map[string]any) map[string]any {
	out := make(map[string]any)
	flattenInto(out, "", tree)
	return out
}

func flattenInto(out map[string]any, prefix string, tree map[string]any) {
	for k, v := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			flattenInto(out, key, sub)
			continue
		}
		out[key] = v
	}
}

func clone(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	return Merge(m, nil)
}
