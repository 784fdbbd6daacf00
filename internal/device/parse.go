package device

import "strconv"

// Reply attribute helpers. Routers omit empty fields, so every missing
// key maps to the type's zero value instead of an error.

func attrStr(attrs map[string]string, key string) string {
	return attrs[key]
}

func attrInt(attrs map[string]string, key string) int64 {
	v, ok := attrs[key]
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func attrBool(attrs map[string]string, key string) bool {
	switch attrs[key] {
	case "true", "yes":
		return true
	default:
		return false
	}
}
