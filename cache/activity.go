package cache

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// activityPaths are the places a last-activity timestamp may live inside a
// payload, checked in order. Values are RFC3339 strings as the upstream
// returns them.
//
//	stats.last_match
//	last_match_date
//	games.cs2.last_match
//	games.csgo.last_match
var gameKeys = []string{"cs2", "csgo"}

// extractLastActivity walks a decoded payload looking for the subject's most
// recent activity timestamp. The second return is false when no usable
// timestamp is present.
func extractLastActivity(payload map[string]any) (time.Time, bool) {
	if stats, ok := payload["stats"].(map[string]any); ok {
		if t, ok := parseActivityTime(stats["last_match"]); ok {
			return t, true
		}
	}
	if t, ok := parseActivityTime(payload["last_match_date"]); ok {
		return t, true
	}
	if games, ok := payload["games"].(map[string]any); ok {
		for _, game := range gameKeys {
			if g, ok := games[game].(map[string]any); ok {
				if t, ok := parseActivityTime(g["last_match"]); ok {
					return t, true
				}
			}
		}
	}
	return time.Time{}, false
}

func parseActivityTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed.UTC(), true
		}
	case time.Time:
		return t.UTC(), true
	}
	return time.Time{}, false
}

// classification is the outcome of the activity classifier for one write.
type classification struct {
	ttl          time.Duration
	isActive     bool
	lastActivity *time.Time
}

// classify chooses a TTL for a payload. Subjects with activity inside the
// threshold get the short active TTL; stale or missing activity falls back
// to the long inactive TTL so dead subjects don't hammer the upstream.
func classify(val any, blob []byte, now time.Time, threshold, activeTTL, inactiveTTL time.Duration) classification {
	decoded, ok := val.(map[string]any)
	if !ok {
		// Payload was a struct or other shape, so the msgpack blob decodes
		// to a generic map for path inspection.
		if err := msgpack.Unmarshal(blob, &decoded); err != nil {
			return classification{ttl: inactiveTTL}
		}
	}

	last, found := extractLastActivity(decoded)
	if !found {
		return classification{ttl: inactiveTTL}
	}
	if now.Sub(last) <= threshold {
		return classification{ttl: activeTTL, isActive: true, lastActivity: &last}
	}
	return classification{ttl: inactiveTTL, lastActivity: &last}
}
