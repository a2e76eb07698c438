package registrycore

import (
	"fmt"
	"regexp"

	"github.com/oarkflow/convert"
)

// SearchCriteria is a conjunction of single-key predicates over an entity's
// payload (§4.C). Keys are dotted-paths into the payload; "$value" prefixes
// are not supported, matching spec.md's "no query language beyond simple
// field predicates" non-goal.
type SearchCriteria map[string]any

// Predicate operators. A bare value under a key means equality.
const (
	OpGT    = "$gt"
	OpGTE   = "$gte"
	OpLT    = "$lt"
	OpLTE   = "$lte"
	OpRegex = "$regex"
)

// Matches reports whether the payload satisfies every predicate in the
// criteria.
func (c SearchCriteria) Matches(data Payload) bool {
	for path, want := range c {
		actual, ok := data.Get(path)
		if sub, isOp := want.(map[string]any); isOp && looksLikeOperator(sub) {
			if !ok {
				return false
			}
			if !matchOperators(actual, sub) {
				return false
			}
			continue
		}
		if !ok {
			return false
		}
		if !equalValues(actual, want) {
			return false
		}
	}
	return true
}

func looksLikeOperator(m map[string]any) bool {
	for k := range m {
		switch k {
		case OpGT, OpGTE, OpLT, OpLTE, OpRegex:
			return true
		}
	}
	return false
}

func matchOperators(actual any, ops map[string]any) bool {
	for op, operand := range ops {
		switch op {
		case OpGT:
			if compareValues(actual, operand) <= 0 {
				return false
			}
		case OpGTE:
			if compareValues(actual, operand) < 0 {
				return false
			}
		case OpLT:
			if compareValues(actual, operand) >= 0 {
				return false
			}
		case OpLTE:
			if compareValues(actual, operand) > 0 {
				return false
			}
		case OpRegex:
			pattern, ok := operand.(string)
			if !ok {
				return false
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return false
			}
			if !re.MatchString(fmt.Sprint(actual)) {
				return false
			}
		}
	}
	return true
}

func equalValues(a, b any) bool {
	af, aIsNum := toFloat(a)
	bf, bIsNum := toFloat(b)
	if aIsNum && bIsNum {
		return af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// compareValues returns -1/0/1, comparing numerically when both sides are
// numbers and lexicographically otherwise.
func compareValues(a, b any) int {
	af, aIsNum := toFloat(a)
	bf, bIsNum := toFloat(b)
	if aIsNum && bIsNum {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func toFloat(v any) (float64, bool) {
	return convert.ToFloat64(v)
}
