package loader

// DeepMerge recursively merges src into dst.
// Values in src override values in dst. Maps are merged recursively,
// arrays are concatenated so included sandbox lists add up, and other
// types are replaced.
func DeepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any)
	}
	if src == nil {
		return dst
	}

	for key, srcVal := range src {
		dstVal, exists := dst[key]
		if !exists {
			dst[key] = srcVal
			continue
		}

		switch s := srcVal.(type) {
		case map[string]any:
			if d, ok := dstVal.(map[string]any); ok {
				dst[key] = DeepMerge(d, s)
				continue
			}
		case []any:
			if d, ok := dstVal.([]any); ok {
				joined := make([]any, 0, len(d)+len(s))
				dst[key] = append(append(joined, d...), s...)
				continue
			}
		}
		dst[key] = srcVal
	}

	return dst
}

// Clone creates a deep copy of a configuration map.
func Clone(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}

	dst := make(map[string]any, len(src))
	for key, val := range src {
		dst[key] = cloneValue(val)
	}
	return dst
}

func cloneValue(val any) any {
	switch v := val.(type) {
	case map[string]any:
		return Clone(v)
	case []any:
		dst := make([]any, len(v))
		for i, item := range v {
			dst[i] = cloneValue(item)
		}
		return dst
	default:
		return val
	}
}
