package ledger

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const keyPrefix = "credits/"

// period returns the label and bounds of the calendar period containing now in loc.
func period(kind WindowKind, now time.Time, loc *time.Location) (label string, start, end time.Time) {
	local := now.In(loc)
	y, m, d := local.Date()
	switch kind {
	case WindowDaily:
		start = time.Date(y, m, d, 0, 0, 0, 0, loc)
		return start.Format("2006-01-02"), start, start.AddDate(0, 0, 1)
	default:
		start = time.Date(y, m, 1, 0, 0, 0, 0, loc)
		return start.Format("2006-01"), start, start.AddDate(0, 1, 0)
	}
}

func scopeKey(identity string, tier Tier, kind WindowKind, label string) string {
	return keyPrefix + url.PathEscape(identity) + "/" + string(tier) + "/" + string(kind) + "/" + label
}

func identityPrefix(identity string) string {
	return keyPrefix + url.PathEscape(identity) + "/"
}

func parseKey(key string) (Record, error) {
	parts := strings.Split(strings.TrimPrefix(key, keyPrefix), "/")
	if !strings.HasPrefix(key, keyPrefix) || len(parts) != 4 {
		return Record{}, fmt.Errorf("malformed ledger key %q", key)
	}
	identity, err := url.PathUnescape(parts[0])
	if err != nil {
		return Record{}, fmt.Errorf("malformed ledger key %q: %w", key, err)
	}
	return Record{
		Key:      key,
		Identity: identity,
		Tier:     Tier(parts[1]),
		Kind:     WindowKind(parts[2]),
		Period:   parts[3],
	}, nil
}
