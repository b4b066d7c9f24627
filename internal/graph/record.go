package graph

// GetString extracts a string value from a Record.
func GetString(r Record, key string) string {
	s, _ := r[key].(string)
	return s
}

// GetInt extracts an int from int64, int or float64 values.
func GetInt(r Record, key string) int {
	switch n := r[key].(type) {
	case int64:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

// GetStringSlice extracts a []string value, accepting []any of strings.
func GetStringSlice(r Record, key string) []string {
	switch s := r[key].(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// GetMaps extracts a collected list of maps, as produced by
// collect({...}) in Cypher.
func GetMaps(r Record, key string) []map[string]any {
	items, ok := r[key].([]any)
	if !ok {
		if maps, ok := r[key].([]map[string]any); ok {
			return maps
		}
		return nil
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
