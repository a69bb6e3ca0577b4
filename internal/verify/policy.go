package verify

import "fmt"

// Decision is what the pipeline does with a verified file.
type Decision int

const (
	// Pass commits the file.
	Pass Decision = iota
	// SoftPass commits the file and logs a warning.
	SoftPass
	// Review commits the file and flags it for operator review.
	Review
	// Rollback discards the file and restores the backup.
	Rollback
)

// String returns a human-readable representation of the decision.
func (d Decision) String() string {
	switch d {
	case Pass:
		return "pass"
	case SoftPass:
		return "soft-pass"
	case Review:
		return "review"
	case Rollback:
		return "rollback"
	default:
		return "unknown"
	}
}

// Policy decides how verification errors are treated.
type Policy struct {
	// Recoverable lists categories that pass with a warning.
	Recoverable []Category
}

// DefaultPolicy treats missing extensions and generic logic errors as
// recoverable. Both are expected from full-text-search index files opened
// without their tokenizers.
func DefaultPolicy() Policy {
	return Policy{Recoverable: []Category{CategoryMissingExtension, CategoryLogic}}
}

// ParsePolicy builds a policy from category names.
func ParsePolicy(names []string) (Policy, error) {
	p := Policy{}
	for _, n := range names {
		c := Category(n)
		switch c {
		case CategoryMissingExtension, CategoryLogic, CategoryBusy, CategoryIO, CategoryUnknown:
			p.Recoverable = append(p.Recoverable, c)
		case CategoryCorrupt:
			return Policy{}, fmt.Errorf("category %q cannot be recoverable", n)
		default:
			return Policy{}, fmt.Errorf("unknown verification category %q", n)
		}
	}
	return p, nil
}

// Decide maps a verification result to a Decision.
func (p Policy) Decide(err error) Decision {
	if err == nil {
		return Pass
	}
	c := Classify(err)
	if c == CategoryCorrupt {
		return Rollback
	}
	for _, r := range p.Recoverable {
		if r == c {
			return SoftPass
		}
	}
	return Review
}
