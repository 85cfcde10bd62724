package masking

import "strings"

const maskToken = "****"

// MaskIdentifier redacts a tax or processor identifier, keeping an
// alphabetic country or object prefix and the last four characters.
func MaskIdentifier(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	prefix, remainder := splitPrefix(trimmed)
	if len(remainder) <= 4 {
		return prefix + maskToken
	}
	return prefix + maskToken + remainder[len(remainder)-4:]
}

// MaskFields returns a copy of metadata with the string values under the
// given keys masked. Nested maps are walked.
func MaskFields(metadata map[string]any, keys ...string) map[string]any {
	if len(metadata) == 0 {
		return nil
	}
	sensitive := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		sensitive[key] = struct{}{}
	}

	out := make(map[string]any, len(metadata))
	for key, value := range metadata {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		if _, ok := sensitive[trimmedKey]; ok {
			out[trimmedKey] = maskValue(value)
			continue
		}
		if nested, ok := value.(map[string]any); ok {
			out[trimmedKey] = MaskFields(nested, keys...)
			continue
		}
		out[trimmedKey] = value
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func maskValue(value any) any {
	switch cast := value.(type) {
	case string:
		return MaskIdentifier(cast)
	case *string:
		if cast == nil {
			return nil
		}
		return MaskIdentifier(*cast)
	default:
		return value
	}
}

// splitPrefix separates "cus_" style prefixes and two-letter VAT country
// codes from the identifier body.
func splitPrefix(value string) (string, string) {
	if idx := strings.LastIndex(value, "_"); idx > 0 && idx < len(value)-1 {
		return value[:idx+1], value[idx+1:]
	}
	if len(value) > 2 && isLetter(value[0]) && isLetter(value[1]) {
		return value[:2], value[2:]
	}
	return "", value
}

func isLetter(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z')
}
