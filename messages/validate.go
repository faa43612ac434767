package messages

// Validators are permissive pass/fail gates over untyped inbound data.
// Callers that get false drop the message and log; nothing here panics or
// returns errors.

// IsEnvelope reports whether v looks like a relayed envelope: an object with
// a payload key and, when a type key exists, a non-empty string type.
func IsEnvelope(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}

	if _, ok := m["payload"]; !ok {
		return false
	}

	if t, ok := m["type"]; ok {
		s, ok := t.(string)
		if !ok || s == "" {
			return false
		}
	}

	return true
}

// IsCommandPayload reports whether v is an object with a non-empty string
// type field.
func IsCommandPayload(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}

	s, ok := m["type"].(string)
	return ok && s != ""
}

// IsValidPlayCommand checks a play payload: non-empty contentId, isLive
// absent or boolean.
func IsValidPlayCommand(m map[string]any) bool {
	if t, _ := m["type"].(string); t != TypePlay {
		return false
	}

	id, ok := m["contentId"].(string)
	if !ok || id == "" {
		return false
	}

	if live, ok := m["isLive"]; ok {
		if _, ok := live.(bool); !ok {
			return false
		}
	}

	return true
}

// IsValidSeekCommand checks a seek payload: numeric non-negative position.
func IsValidSeekCommand(m map[string]any) bool {
	if t, _ := m["type"].(string); t != TypeSeek {
		return false
	}

	pos, ok := asNumber(m["position"])
	return ok && pos >= 0
}

// IsValidSkipCommand checks a skipForward/skipBackward payload: seconds
// absent or numeric.
func IsValidSkipCommand(m map[string]any) bool {
	t, _ := m["type"].(string)
	if t != TypeSkipForward && t != TypeSkipBackward {
		return false
	}

	if secs, ok := m["seconds"]; ok {
		if _, ok := asNumber(secs); !ok {
			return false
		}
	}

	return true
}

// IsValidSubtitleCommand checks a setSubtitles payload: string language.
func IsValidSubtitleCommand(m map[string]any) bool {
	if t, _ := m["type"].(string); t != TypeSetSubtitles {
		return false
	}

	_, ok := m["language"].(string)
	return ok
}

// IsMetadataPayload checks a metadata payload: every required scalar present
// with the right primitive type, contentId a string or null, and ad (when
// present) an object with four numeric fields.
func IsMetadataPayload(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}

	if t, _ := m["type"].(string); t != TypeMetadata {
		return false
	}

	if id, ok := m["contentId"]; !ok {
		return false
	} else if id != nil {
		if _, ok := id.(string); !ok {
			return false
		}
	}

	for _, key := range []string{"isLive", "isMuted"} {
		if _, ok := m[key].(bool); !ok {
			return false
		}
	}

	for _, key := range []string{"duration", "position", "rate", "volume"} {
		if _, ok := asNumber(m[key]); !ok {
			return false
		}
	}

	if _, ok := m["subtitleLanguage"].(string); !ok {
		return false
	}

	if ad, ok := m["ad"]; ok {
		adMap, ok := ad.(map[string]any)
		if !ok {
			return false
		}
		for _, key := range []string{"position", "duration", "sequence", "podCount"} {
			if _, ok := asNumber(adMap[key]); !ok {
				return false
			}
		}
	}

	return true
}

// asNumber accepts the numeric shapes JSON decoding and in-process callers
// can produce.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
