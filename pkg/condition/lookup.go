package condition

import (
	"strconv"
	"strings"
)

// Lookup resolves a dotted reference such as "contact.address.city" or "items.0.sku"
// against nested maps and slices.
func Lookup(ctx map[string]any, ref string) (any, bool) {
	if ref == "" {
		return nil, false
	}

	var current any = ctx

	for _, segment := range strings.Split(ref, ".") {
		switch node := current.(type) {
		case map[string]any:
			value, ok := node[segment]
			if !ok {
				return nil, false
			}

			current = value
		case []any:
			index, err := strconv.Atoi(segment)
			if err != nil || index < 0 || index >= len(node) {
				return nil, false
			}

			current = node[index]
		default:
			return nil, false
		}
	}

	return current, true
}
