package remote

import (
	"fmt"
	"slices"
	"strings"

	"github.com/tidwall/gjson"
	regexp "github.com/wasilibs/go-re2"

	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/scanning"
)

// Condition operators.
const (
	OpEquals    = "eq"
	OpNotEquals = "ne"
	OpContains  = "contains"
	OpMatches   = "matches"
	OpExists    = "exists"
	OpIn        = "in"
)

// Condition keeps a threat only when the value at Path satisfies Operator.
// All conditions of a mapping must hold.
type Condition struct {
	Path     string   `mapstructure:"path" validate:"required"`
	Operator string   `mapstructure:"operator" validate:"oneof=eq ne contains matches exists in"`
	Value    string   `mapstructure:"value"`
	Values   []string `mapstructure:"values"`
}

type compiledCondition struct {
	Condition
	re *regexp.Regexp
}

func compileConditions(conds []Condition) ([]compiledCondition, error) {
	out := make([]compiledCondition, 0, len(conds))
	for _, c := range conds {
		cc := compiledCondition{Condition: c}
		switch c.Operator {
		case OpEquals, OpNotEquals, OpContains, OpExists, OpIn:
		case OpMatches:
			re, err := regexp.Compile(c.Value)
			if err != nil {
				return nil, fmt.Errorf("condition on %s: %w", c.Path, err)
			}
			cc.re = re
		default:
			return nil, fmt.Errorf("condition on %s: unknown operator %q", c.Path, c.Operator)
		}
		out = append(out, cc)
	}
	return out, nil
}

func (c compiledCondition) holds(elem gjson.Result) bool {
	v := elem.Get(c.Path)
	switch c.Operator {
	case OpExists:
		return v.Exists()
	case OpEquals:
		return v.Exists() && strings.EqualFold(v.String(), c.Value)
	case OpNotEquals:
		return !strings.EqualFold(v.String(), c.Value)
	case OpContains:
		return strings.Contains(strings.ToLower(v.String()), strings.ToLower(c.Value))
	case OpMatches:
		return c.re.MatchString(v.String())
	case OpIn:
		return slices.ContainsFunc(c.Values, func(s string) bool { return strings.EqualFold(s, v.String()) })
	}
	return false
}

// parser extracts handles, statuses and threats from response bodies.
type parser struct {
	mapping    ResponseMapping
	statuses   map[string]scanning.ExternalStatus
	conditions []compiledCondition
}

func newParser(m ResponseMapping) (*parser, error) {
	conds, err := compileConditions(m.Conditions)
	if err != nil {
		return nil, err
	}

	vocab := defaultStatusVocabulary
	if len(m.StatusMap) > 0 {
		vocab = make(map[string]scanning.ExternalStatus, len(m.StatusMap))
		for k, v := range m.StatusMap {
			vocab[strings.ToLower(k)] = v
		}
	}
	return &parser{mapping: m, statuses: vocab, conditions: conds}, nil
}

func (p *parser) jobID(body []byte) (string, error) {
	v := gjson.GetBytes(body, p.mapping.JobIDPath)
	if !v.Exists() || v.String() == "" {
		return "", fmt.Errorf("response has no job id at %q", p.mapping.JobIDPath)
	}
	return v.String(), nil
}

func (p *parser) status(body []byte) (scanning.ExternalStatus, string, error) {
	v := gjson.GetBytes(body, p.mapping.StatusPath)
	if !v.Exists() {
		return "", "", fmt.Errorf("response has no status at %q", p.mapping.StatusPath)
	}
	status, ok := p.statuses[strings.ToLower(v.String())]
	if !ok {
		return "", "", fmt.Errorf("unknown remote status %q", v.String())
	}

	var message string
	if p.mapping.ErrorPath != "" {
		message = gjson.GetBytes(body, p.mapping.ErrorPath).String()
	}
	return status, message, nil
}

func (p *parser) threats(body []byte) ([]scanning.ThreatFinding, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("response is not valid JSON")
	}

	var arr gjson.Result
	if p.mapping.ThreatsPath == "" {
		arr = gjson.ParseBytes(body)
	} else {
		arr = gjson.GetBytes(body, p.mapping.ThreatsPath)
	}
	if !arr.Exists() || arr.Type == gjson.Null {
		return nil, nil
	}
	if !arr.IsArray() {
		return nil, fmt.Errorf("threats at %q is not an array", p.mapping.ThreatsPath)
	}

	fields := p.mapping.Threat
	var out []scanning.ThreatFinding
	for _, elem := range arr.Array() {
		if !p.keep(elem) {
			continue
		}
		out = append(out, scanning.ThreatFinding{
			Name:        field(elem, fields.Name),
			Description: field(elem, fields.Description),
			Severity:    field(elem, fields.Severity),
			FilePath:    field(elem, fields.FilePath),
			FileHash:    field(elem, fields.FileHash),
		})
	}
	return out, nil
}

func (p *parser) keep(elem gjson.Result) bool {
	for _, c := range p.conditions {
		if !c.holds(elem) {
			return false
		}
	}
	return true
}

func field(elem gjson.Result, path string) string {
	if path == "" {
		return ""
	}
	return elem.Get(path).String()
}
