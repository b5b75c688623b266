package issuer

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jmespath/go-jmespath"
)

// maxValidatedBody caps how much of a response is buffered for body checks
const maxValidatedBody = 1 << 20

// StatusRange is an inclusive range of accepted status codes
type StatusRange struct {
	Min int
	Max int
}

// Contains reports whether code falls inside the range
func (r StatusRange) Contains(code int) bool {
	return code >= r.Min && code <= r.Max
}

// Policy decides whether a received response counts as a success.
// A zero Policy accepts nothing; use DefaultPolicy or PermissivePolicy.
type Policy struct {
	Statuses     []StatusRange
	BodyContains string
	BodyPattern  *regexp.Regexp
	// BodyFields maps a JMESPath expression to the expected value.
	// Values wrapped in slashes (/.../) are treated as regular expressions.
	BodyFields map[string]string

	compiled map[string]*jmespath.JMESPath
}

// DefaultPolicy accepts 1xx-3xx responses and fails 4xx/5xx
func DefaultPolicy() Policy {
	return Policy{Statuses: []StatusRange{{Min: 100, Max: 399}}}
}

// PermissivePolicy accepts any received response regardless of status.
// Only transport failures are counted as errors.
func PermissivePolicy() Policy {
	return Policy{Statuses: []StatusRange{{Min: 0, Max: 999}}}
}

// ParseStatusRanges parses patterns like "2xx", "200-299" or "204"
func ParseStatusRanges(patterns []string) ([]StatusRange, error) {
	ranges := make([]StatusRange, 0, len(patterns))
	for _, raw := range patterns {
		pat := strings.ToLower(strings.TrimSpace(raw))
		if pat == "" {
			continue
		}

		switch {
		case len(pat) == 3 && strings.HasSuffix(pat, "xx"):
			class, err := strconv.Atoi(pat[:1])
			if err != nil || class < 1 || class > 5 {
				return nil, fmt.Errorf("invalid status class %q", raw)
			}
			ranges = append(ranges, StatusRange{Min: class * 100, Max: class*100 + 99})
		case strings.Contains(pat, "-"):
			parts := strings.SplitN(pat, "-", 2)
			lo, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
			hi, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
			if err1 != nil || err2 != nil || lo > hi {
				return nil, fmt.Errorf("invalid status range %q", raw)
			}
			ranges = append(ranges, StatusRange{Min: lo, Max: hi})
		default:
			code, err := strconv.Atoi(pat)
			if err != nil {
				return nil, fmt.Errorf("invalid status code %q", raw)
			}
			ranges = append(ranges, StatusRange{Min: code, Max: code})
		}
	}
	return ranges, nil
}

// Compile validates the JMESPath expressions in BodyFields up front so a
// bad expression fails at startup rather than on every response.
func (p *Policy) Compile() error {
	if len(p.BodyFields) == 0 {
		return nil
	}
	p.compiled = make(map[string]*jmespath.JMESPath, len(p.BodyFields))
	for expr := range p.BodyFields {
		jp, err := jmespath.Compile(expr)
		if err != nil {
			return fmt.Errorf("invalid body field expression %q: %w", expr, err)
		}
		p.compiled[expr] = jp
	}
	return nil
}

// NeedsBody reports whether the response body must be inspected
func (p Policy) NeedsBody() bool {
	return p.BodyContains != "" || p.BodyPattern != nil || len(p.BodyFields) > 0
}

// AcceptStatus reports whether the status code is in an accepted range
func (p Policy) AcceptStatus(code int) bool {
	for _, r := range p.Statuses {
		if r.Contains(code) {
			return true
		}
	}
	return false
}

// ValidateBody returns an empty string if the body passes all checks,
// or a description of the first failing check.
func (p Policy) ValidateBody(body []byte) string {
	if p.BodyContains != "" && !strings.Contains(string(body), p.BodyContains) {
		return fmt.Sprintf("body does not contain expected substring: %s", p.BodyContains)
	}

	if p.BodyPattern != nil && !p.BodyPattern.Match(body) {
		return fmt.Sprintf("body does not match expected pattern: %s", p.BodyPattern)
	}

	if len(p.BodyFields) == 0 {
		return ""
	}

	var data interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return fmt.Sprintf("failed to parse JSON body for field validation: %v", err)
	}

	for expr, expected := range p.BodyFields {
		var (
			actual interface{}
			err    error
		)
		if jp, ok := p.compiled[expr]; ok {
			actual, err = jp.Search(data)
		} else {
			actual, err = jmespath.Search(expr, data)
		}
		if err != nil {
			return fmt.Sprintf("failed to evaluate '%s': %v", expr, err)
		}
		if actual == nil {
			return fmt.Sprintf("expected field '%s' not found in response", expr)
		}

		actualStr := fmt.Sprintf("%v", actual)
		if len(expected) > 1 && strings.HasPrefix(expected, "/") && strings.HasSuffix(expected, "/") {
			pattern := expected[1 : len(expected)-1]
			matched, err := regexp.MatchString(pattern, actualStr)
			if err != nil {
				return fmt.Sprintf("invalid regex pattern for field '%s': %v", expr, err)
			}
			if !matched {
				return fmt.Sprintf("field '%s' value '%s' does not match pattern '%s'", expr, actualStr, pattern)
			}
		} else if actualStr != expected {
			return fmt.Sprintf("field '%s' expected '%s' but got '%s'", expr, expected, actualStr)
		}
	}

	return ""
}
