package config

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidValidatorIndexes is returned for malformed validator index expressions.
var ErrInvalidValidatorIndexes = errors.New("invalid validator indexes")

const maxRangeSize = 1 << 20

// ValidatorIndexes is the sorted, de-duplicated set of validator indexes the
// sidecar may commit on behalf of. The text form accepts single indexes,
// comma separated lists and inclusive ranges, e.g. "1,2..4,6..8".
type ValidatorIndexes []uint64

// ParseValidatorIndexes parses a validator index expression.
func ParseValidatorIndexes(s string) (ValidatorIndexes, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidValidatorIndexes)
	}

	indexes := make([]uint64, 0, 8)

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)

		if lo, hi, isRange := strings.Cut(part, ".."); isRange {
			start, err := parseIndex(lo)
			if err != nil {
				return nil, err
			}

			end, err := parseIndex(hi)
			if err != nil {
				return nil, err
			}

			if start > end {
				return nil, fmt.Errorf("%w: range %q is reversed", ErrInvalidValidatorIndexes, part)
			}

			if end-start >= maxRangeSize {
				return nil, fmt.Errorf("%w: range %q is too large", ErrInvalidValidatorIndexes, part)
			}

			for i := start; i <= end; i++ {
				indexes = append(indexes, i)

				if i == end { // end may be MaxUint64
					break
				}
			}

			continue
		}

		idx, err := parseIndex(part)
		if err != nil {
			return nil, err
		}

		indexes = append(indexes, idx)
	}

	slices.Sort(indexes)

	return ValidatorIndexes(slices.Compact(indexes)), nil
}

func parseIndex(s string) (uint64, error) {
	idx, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an index", ErrInvalidValidatorIndexes, s)
	}

	return idx, nil
}

// Contains reports whether idx is in the set.
func (v ValidatorIndexes) Contains(idx uint64) bool {
	_, found := slices.BinarySearch(v, idx)
	return found
}

// String renders the set in its compact range form.
func (v ValidatorIndexes) String() string {
	var sb strings.Builder

	for i := 0; i < len(v); {
		j := i
		for j+1 < len(v) && v[j+1] == v[j]+1 {
			j++
		}

		if sb.Len() > 0 {
			sb.WriteByte(',')
		}

		sb.WriteString(strconv.FormatUint(v[i], 10))

		if j > i {
			sb.WriteString("..")
			sb.WriteString(strconv.FormatUint(v[j], 10))
		}

		i = j + 1
	}

	return sb.String()
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *ValidatorIndexes) UnmarshalText(text []byte) error {
	if len(strings.TrimSpace(string(text))) == 0 {
		*v = nil
		return nil
	}

	parsed, err := ParseValidatorIndexes(string(text))
	if err != nil {
		return err
	}

	*v = parsed

	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (v ValidatorIndexes) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalYAML accepts both the text form and a plain list of indexes.
func (v *ValidatorIndexes) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return v.UnmarshalText([]byte(node.Value))
	case yaml.SequenceNode:
		parts := make([]string, 0, len(node.Content))
		for _, item := range node.Content {
			parts = append(parts, item.Value)
		}

		return v.UnmarshalText([]byte(strings.Join(parts, ",")))
	default:
		return fmt.Errorf("%w: unexpected yaml node", ErrInvalidValidatorIndexes)
	}
}
