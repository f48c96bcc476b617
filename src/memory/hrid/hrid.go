// Package hrid allocates and parses human-readable ids of the form
// {TYPE}_{AAA}{000}: three base-26 letters and three decimal digits,
// monotonically increasing per type.
package hrid

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

var hridRe = regexp.MustCompile(`^([A-Z0-9]+)_([A-Z]{3})(\d{3})$`)

const (
	maxAlpha = 26*26*26 - 1 // ZZZ
	maxNum   = 999
)

// ErrExhausted is returned when a type's id space runs past ZZZ999.
var ErrExhausted = errors.New("hrid space exhausted")

// Storage answers "what is the highest HRID ever issued for this type".
// Vector indexes implement it; the allocator consults it once per type per
// process so a restart never reissues colliding ids.
type Storage interface {
	LastIssuedHRID(ctx context.Context, memoryType string) (string, error)
}

type counter struct {
	alpha int
	num   int
}

// Allocator hands out per-type monotonic HRIDs. Allocation for the same type
// is serialized; two memories of one type never share an HRID.
type Allocator struct {
	mu        sync.Mutex
	storage   Storage
	counters  map[string]counter
	recovered map[string]bool
}

// NewAllocator builds an allocator backed by storage. A nil storage skips
// restart recovery (tests, ephemeral stores).
func NewAllocator(storage Storage) *Allocator {
	return &Allocator{
		storage:   storage,
		counters:  make(map[string]counter),
		recovered: make(map[string]bool),
	}
}

// Next returns the next HRID for memoryType. On the first allocation for a
// type it resumes from one past the highest id found in storage; a failed or
// empty lookup falls back to a fresh AAA000 start (degraded but available).
func (a *Allocator) Next(ctx context.Context, memoryType string) (string, error) {
	t := strings.ToUpper(strings.TrimSpace(memoryType))
	if t == "" {
		return "", errors.New("hrid: empty memory type")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.recovered[t] {
		a.counters[t] = a.recover(ctx, t)
		a.recovered[t] = true
	}

	c, ok := a.counters[t]
	if !ok {
		c = counter{alpha: 0, num: -1}
	}
	c.num++
	if c.num > maxNum {
		c.num = 0
		c.alpha++
		if c.alpha > maxAlpha {
			return "", fmt.Errorf("%w for type %s", ErrExhausted, t)
		}
	}
	a.counters[t] = c
	return Format(t, c.alpha, c.num), nil
}

// recover queries storage for the last issued id of a type. Called at most
// once per type per process lifetime, under the allocator lock.
func (a *Allocator) recover(ctx context.Context, t string) counter {
	fresh := counter{alpha: 0, num: -1}
	if a.storage == nil {
		return fresh
	}
	last, err := a.storage.LastIssuedHRID(ctx, t)
	if err != nil || strings.TrimSpace(last) == "" {
		return fresh
	}
	typ, alpha, num, perr := Parse(last)
	if perr != nil || typ != t {
		return fresh
	}
	return counter{alpha: alphaToIdx(alpha), num: num}
}

// Reset clears counters and recovery state. Test use only.
func (a *Allocator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counters = make(map[string]counter)
	a.recovered = make(map[string]bool)
}

// Format renders an HRID from its parts.
func Format(typ string, alphaIdx, num int) string {
	return fmt.Sprintf("%s_%s%03d", typ, idxToAlpha(alphaIdx), num)
}

// Parse splits an HRID into type, letter triplet, and numeric suffix.
// Malformed input fails explicitly.
func Parse(hrid string) (typ, alpha string, num int, err error) {
	m := hridRe.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(hrid)))
	if m == nil {
		return "", "", 0, fmt.Errorf("hrid: invalid format %q", hrid)
	}
	n, _ := strconv.Atoi(m[3])
	return m[1], m[2], n, nil
}

// ToIndex converts an HRID into a single ordering integer: same type and
// earlier allocation sort lower; distinct types get a stable relative order
// from a base-37 encoding of the type prefix.
func ToIndex(hrid string) (int64, error) {
	typ, alpha, num, err := Parse(hrid)
	if err != nil {
		return 0, err
	}
	intra := int64(alphaToIdx(alpha))*1000 + int64(num) // 0 .. 17,575,999 (25 bits)
	return (typeKey(typ) << 25) | intra, nil
}

// typeKey encodes up to the first 6 chars of the type in base-37
// (A-Z=1-26, 0-9=27-36). Six chars keep the shifted key inside int64.
func typeKey(t string) int64 {
	var key int64
	for i, c := range t {
		if i >= 6 {
			break
		}
		var v int64
		switch {
		case c >= 'A' && c <= 'Z':
			v = 1 + int64(c-'A')
		case c >= '0' && c <= '9':
			v = 27 + int64(c-'0')
		}
		key = key*37 + v
	}
	return key
}

func alphaToIdx(alpha string) int {
	idx := 0
	for _, c := range alpha {
		idx = idx*26 + int(c-'A')
	}
	return idx
}

func idxToAlpha(idx int) string {
	chars := [3]byte{}
	for i := 2; i >= 0; i-- {
		chars[i] = byte('A' + idx%26)
		idx /= 26
	}
	return string(chars[:])
}
