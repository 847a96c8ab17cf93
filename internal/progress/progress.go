// Package progress extracts structured progress from the output lines of
// a step. A step declares an ordered list of rules; every rule is applied
// to every line independently.
package progress

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/videoflow/conductor/internal/model"
)

// Progress is the state a step reports while running.
type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Label   string `json:"label,omitempty"`
}

// Percent returns Current/Total in the 0-100 range, 0 when Total is unknown.
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return 0
	}
	pct := float64(p.Current) * 100 / float64(p.Total)
	return min(pct, 100)
}

type rule struct {
	count  bool
	re     *regexp.Regexp
	fields []string
}

// Parser applies a compiled rule set. Parser is immutable and safe for
// concurrent use, the Progress it updates is not.
type Parser struct {
	rules []rule
}

// Compile builds a Parser from the configured rules.
func Compile(rules []model.ProgressRule) (*Parser, error) {
	p := &Parser{rules: make([]rule, 0, len(rules))}
	for i, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("progress rule %d: %w", i, err)
		}
		if re.NumSubexp() < len(r.Fields) {
			return nil, fmt.Errorf("progress rule %d: pattern has %d groups, %d fields requested", i, re.NumSubexp(), len(r.Fields))
		}
		p.rules = append(p.rules, rule{
			count:  r.Kind == model.RuleKindCount,
			re:     re,
			fields: r.Fields,
		})
	}
	return p, nil
}

// Apply updates p from one output line and reports whether anything changed.
// Captures that are not integers are ignored for the numeric fields.
func (ps *Parser) Apply(line string, p *Progress) bool {
	if ps == nil {
		return false
	}
	changed := false
	for _, r := range ps.rules {
		m := r.re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if r.count {
			p.Current++
			changed = true
		}
		for i, field := range r.fields {
			if set(p, field, m[i+1]) {
				changed = true
			}
		}
	}
	return changed
}

func set(p *Progress, field, value string) bool {
	switch field {
	case model.FieldLabel:
		p.Label = value
		return true
	case model.FieldCurrent, model.FieldTotal:
		n, err := strconv.Atoi(value)
		if err != nil {
			return false
		}
		if field == model.FieldCurrent {
			p.Current = n
		} else {
			p.Total = n
		}
		return true
	}
	return false
}
