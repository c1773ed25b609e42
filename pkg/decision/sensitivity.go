package decision

import (
	"fmt"
	"strings"
	"time"
)

// Sensitivity is an ordered classification: a higher value is more
// sensitive, gets a shorter cache lifetime and stricter filtering.
type Sensitivity int

const (
	Public Sensitivity = iota
	Low
	Medium
	High
	Critical
)

var sensitivityNames = [...]string{"public", "low", "medium", "high", "critical"}

// Levels lists every sensitivity from least to most sensitive.
func Levels() []Sensitivity {
	return []Sensitivity{Public, Low, Medium, High, Critical}
}

func (s Sensitivity) String() string {
	if s < Public || s > Critical {
		return fmt.Sprintf("sensitivity(%d)", int(s))
	}
	return sensitivityNames[s]
}

func (s Sensitivity) Valid() bool { return s >= Public && s <= Critical }

// ParseSensitivity accepts the canonical names plus the legacy
// "internal" and "confidential" labels used by older tool registries.
func ParseSensitivity(raw string) (Sensitivity, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "public":
		return Public, nil
	case "low":
		return Low, nil
	case "medium", "internal":
		return Medium, nil
	case "high", "confidential":
		return High, nil
	case "critical":
		return Critical, nil
	}
	return Critical, fmt.Errorf("unknown sensitivity %q", raw)
}

func (s Sensitivity) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid sensitivity %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Sensitivity) UnmarshalText(b []byte) error {
	v, err := ParseSensitivity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// TTLTable maps sensitivity to decision cache lifetime. A zero entry means
// the level is never cached.
type TTLTable map[Sensitivity]time.Duration

func DefaultTTLTable() TTLTable {
	return TTLTable{
		Public:   time.Hour,
		Low:      30 * time.Minute,
		Medium:   5 * time.Minute,
		High:     time.Minute,
		Critical: 0,
	}
}

// TTL reports the lifetime for s and whether decisions at that level may be
// cached at all. Critical is never cacheable regardless of the table.
func (t TTLTable) TTL(s Sensitivity) (time.Duration, bool) {
	if s >= Critical || !s.Valid() {
		return 0, false
	}
	ttl, ok := t[s]
	if !ok || ttl <= 0 {
		return 0, false
	}
	return ttl, true
}

// Validate checks that lifetimes never grow as sensitivity rises and that
// critical decisions are not cached.
func (t TTLTable) Validate() error {
	if ttl := t[Critical]; ttl != 0 {
		return fmt.Errorf("ttl for critical must be 0, got %s", ttl)
	}
	levels := Levels()
	for i := 1; i < len(levels); i++ {
		lo, hi := levels[i-1], levels[i]
		if t[lo] < t[hi] {
			return fmt.Errorf("ttl must not increase with sensitivity: %s=%s < %s=%s", lo, t[lo], hi, t[hi])
		}
	}
	for s, ttl := range t {
		if !s.Valid() {
			return fmt.Errorf("ttl table has invalid sensitivity %d", int(s))
		}
		if ttl < 0 {
			return fmt.Errorf("ttl for %s is negative", s)
		}
	}
	return nil
}

// Clone returns an independent copy of the table.
func (t TTLTable) Clone() TTLTable {
	out := make(TTLTable, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}
