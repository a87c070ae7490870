package remote

import (
	"strconv"
	"strings"
)

// CompareKeys orders entry keys the way realtime databases order children
// by key: keys that parse as 64-bit integers come first in numeric order and
// every other key follows in lexicographic order.
func CompareKeys(a, b string) int {
	ai, aNum := intKey(a)
	bi, bNum := intKey(b)
	switch {
	case aNum && bNum:
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	case aNum:
		return -1
	case bNum:
		return 1
	}
	return strings.Compare(a, b)
}

// MaxKey returns the greatest key of keys by CompareKeys and false when keys
// is empty.
func MaxKey(keys []string) (string, bool) {
	if len(keys) == 0 {
		return "", false
	}
	best := keys[0]
	for _, k := range keys[1:] {
		if CompareKeys(k, best) > 0 {
			best = k
		}
	}
	return best, true
}

// NumericKey reports the integer value of key, if it has one.
func NumericKey(key string) (int64, bool) {
	return intKey(key)
}

func intKey(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
