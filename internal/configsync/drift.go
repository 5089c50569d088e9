package configsync

import "sort"

// Diff returns the keys of want whose value in have is missing or different,
// sorted. Keys only present in have are ignored: the control plane's key set
// is authoritative.
func Diff(want, have map[string]string) []string {
	var fields []string
	for k, v := range want {
		got, ok := have[k]
		if !ok || got != v {
			fields = append(fields, k)
		}
	}
	sort.Strings(fields)
	return fields
}

// Merge overlays patch onto base without modifying either.
func Merge(base, patch map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}
