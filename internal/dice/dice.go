package dice

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
)

const (
	MaxCount = 100
	MinSides = 2
	MaxSides = 1000
	MaxMod   = 1000
)

var (
	ErrInvalidNotation  = errors.New("invalid dice notation")
	ErrResultOutOfRange = errors.New("die result out of range")
	ErrResultCount      = errors.New("result count does not match notation")
	ErrModifierMismatch = errors.New("modifier does not match notation")
	ErrTotalMismatch    = errors.New("total does not match results")
)

var notationRE = regexp.MustCompile(`^(\d*)d(\d+)(?:([+-])(\d+))?$`)

// Spec is one parsed notation such as 2d6+3.
type Spec struct {
	Count    int
	Sides    int
	Modifier int
}

func (s Spec) String() string {
	out := fmt.Sprintf("%dd%d", s.Count, s.Sides)
	switch {
	case s.Modifier > 0:
		out += fmt.Sprintf("+%d", s.Modifier)
	case s.Modifier < 0:
		out += fmt.Sprintf("-%d", -s.Modifier)
	}
	return out
}

// Parse accepts NdM, dM (one die) and an optional +K or -K modifier.
// Whitespace and case are ignored.
func Parse(notation string) (Spec, error) {
	n := strings.ToLower(strings.Join(strings.Fields(notation), ""))
	m := notationRE.FindStringSubmatch(n)
	if m == nil {
		return Spec{}, fmt.Errorf("%w: %q", ErrInvalidNotation, notation)
	}

	spec := Spec{Count: 1}
	if m[1] != "" {
		spec.Count, _ = strconv.Atoi(m[1])
	}
	spec.Sides, _ = strconv.Atoi(m[2])
	if m[4] != "" {
		mod, _ := strconv.Atoi(m[4])
		if m[3] == "-" {
			mod = -mod
		}
		spec.Modifier = mod
	}

	if spec.Count < 1 || spec.Count > MaxCount ||
		spec.Sides < MinSides || spec.Sides > MaxSides ||
		spec.Modifier < -MaxMod || spec.Modifier > MaxMod {
		return Spec{}, fmt.Errorf("%w: %q", ErrInvalidNotation, notation)
	}
	return spec, nil
}

// Source returns a uniform integer in [0, n).
type Source interface {
	Intn(n int) (int, error)
}

// CryptoSource draws from crypto/rand.
type CryptoSource struct{}

func (CryptoSource) Intn(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}

type Result struct {
	Results  []int
	Modifier int
	Total    int
}

// Roll rolls spec with src. Results appear in roll order.
func Roll(src Source, spec Spec) (Result, error) {
	if spec.Count < 1 || spec.Sides < MinSides {
		return Result{}, ErrInvalidNotation
	}

	results := make([]int, spec.Count)
	total := spec.Modifier
	for i := range results {
		v, err := src.Intn(spec.Sides)
		if err != nil {
			return Result{}, fmt.Errorf("roll d%d: %w", spec.Sides, err)
		}
		results[i] = v + 1
		total += results[i]
	}
	return Result{Results: results, Modifier: spec.Modifier, Total: total}, nil
}

// Check verifies client-rolled results against spec.
func Check(spec Spec, results []int, modifier, total int) error {
	if len(results) != spec.Count {
		return ErrResultCount
	}
	if modifier != spec.Modifier {
		return ErrModifierMismatch
	}
	sum := modifier
	for _, r := range results {
		if r < 1 || r > spec.Sides {
			return fmt.Errorf("%w: %d on d%d", ErrResultOutOfRange, r, spec.Sides)
		}
		sum += r
	}
	if sum != total {
		return ErrTotalMismatch
	}
	return nil
}
