package classifier

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ashford-core/ashford-core/internal/domain"
)

// evalContext caches regex compilations for the duration of a single
// classify evaluation (spec.md §4.6 step 3: "regex compilations cached
// per evaluation"), grounded on original_source
// rules/conditions.rs::EvaluationContext.
type evalContext struct {
	regexes map[string]*regexp.Regexp
}

func newEvalContext() *evalContext {
	return &evalContext{regexes: make(map[string]*regexp.Regexp)}
}

func (c *evalContext) compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := c.regexes[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern %q: %w: %w", pattern, err, domain.ErrInvalidCondition)
	}
	c.regexes[pattern] = re
	return re, nil
}

// evaluate walks a condition tree against msg, per spec.md §4.6 step 3.
func evaluate(cond *domain.Condition, msg *domain.Message, ctx *evalContext) (bool, error) {
	if cond == nil {
		return false, fmt.Errorf("empty condition tree: %w", domain.ErrInvalidCondition)
	}
	if cond.IsLeaf() {
		return evaluateLeaf(cond, msg, ctx)
	}
	switch cond.Op {
	case domain.OpAnd:
		if len(cond.Children) == 0 {
			return false, fmt.Errorf("and with no children: %w", domain.ErrInvalidCondition)
		}
		for _, child := range cond.Children {
			ok, err := evaluate(child, msg, ctx)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case domain.OpOr:
		if len(cond.Children) == 0 {
			return false, fmt.Errorf("or with no children: %w", domain.ErrInvalidCondition)
		}
		for _, child := range cond.Children {
			ok, err := evaluate(child, msg, ctx)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case domain.OpNot:
		if len(cond.Children) != 1 {
			return false, fmt.Errorf("not requires exactly 1 child, got %d: %w", len(cond.Children), domain.ErrInvalidCondition)
		}
		ok, err := evaluate(cond.Children[0], msg, ctx)
		if err != nil {
			return false, err
		}
		return !ok, nil
	default:
		return false, fmt.Errorf("unknown logical operator %q: %w", cond.Op, domain.ErrInvalidCondition)
	}
}

func evaluateLeaf(cond *domain.Condition, msg *domain.Message, ctx *evalContext) (bool, error) {
	switch cond.Leaf {
	case domain.LeafSenderEmail:
		return matchesSenderEmail(cond.Value, msg.FromEmail), nil

	case domain.LeafSenderDomain:
		d, ok := extractDomain(msg.FromEmail)
		if !ok {
			return false, nil
		}
		return strings.EqualFold(d, cond.Value), nil

	case domain.LeafSubjectContains:
		return strings.Contains(strings.ToLower(msg.Subject), strings.ToLower(cond.Value)), nil

	case domain.LeafSubjectRegex:
		re, err := ctx.compile(cond.Pattern)
		if err != nil {
			return false, err
		}
		return re.MatchString(msg.Subject), nil

	case domain.LeafHeaderMatch:
		re, err := ctx.compile(cond.Pattern)
		if err != nil {
			return false, err
		}
		for _, h := range msg.Headers {
			if strings.EqualFold(h.Name, cond.Header) && re.MatchString(h.Value) {
				return true, nil
			}
		}
		return false, nil

	case domain.LeafLabelPresent:
		for _, l := range msg.Labels {
			if l == cond.Value {
				return true, nil
			}
		}
		return false, nil

	default:
		return false, fmt.Errorf("unknown leaf condition type %q: %w", cond.Leaf, domain.ErrInvalidCondition)
	}
}

// matchesSenderEmail supports an exact, case-insensitive match or a
// "*@domain" wildcard, per original_source rules/conditions.rs.
func matchesSenderEmail(pattern, email string) bool {
	if rest, ok := strings.CutPrefix(pattern, "*@"); ok {
		d, ok := extractDomain(email)
		return ok && strings.EqualFold(d, rest)
	}
	return strings.EqualFold(pattern, email)
}

func extractDomain(email string) (string, bool) {
	i := strings.LastIndex(email, "@")
	if i < 0 || i == len(email)-1 {
		return "", false
	}
	return email[i+1:], true
}
