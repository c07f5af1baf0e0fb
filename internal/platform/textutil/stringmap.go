package textutil

import (
	"sort"
	"strings"
)

const (
	maxCustomizationEntries = 16
	maxCustomizationRunes   = 80
)

// NormalizeCustomizations cleans the option map attached to an order line ("spice" -> "mild"). Keys are
// lower-cased, markup is stripped from both sides and empty entries are dropped. At most
// maxCustomizationEntries entries are kept, chosen in key order so the result is deterministic.
func NormalizeCustomizations(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	result := make(map[string]string, len(values))
	for key, value := range values {
		k := strings.ToLower(SanitizePlainText(key, maxCustomizationRunes))
		v := SanitizePlainText(value, maxCustomizationRunes)
		if k == "" || v == "" {
			continue
		}
		result[k] = v
	}
	if len(result) > maxCustomizationEntries {
		keys := make([]string, 0, len(result))
		for k := range result {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys[maxCustomizationEntries:] {
			delete(result, k)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
