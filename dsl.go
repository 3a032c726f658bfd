package rls

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// DSL Syntax:
// rule <id> <tenant> <resource> <action[,action...]> <condition> [user:<id>] [org:<id>] [inherit] [role:<name>] [priority:<n>] [disabled] [desc:<text>]
// orgunit <tenant> <id> [parent:<id>]
// engine <key>=<value>...
//
// Conditions: true | <field>=<value> | <field>@<v1,v2,...> | json:<expression json>

type DSLParser struct {
	line int
}

func NewDSLParser() *DSLParser {
	return &DSLParser{}
}

type DSLEncoder struct {
	buf []byte
}

func NewDSLEncoder() *DSLEncoder {
	return &DSLEncoder{buf: make([]byte, 0, 4096)}
}

func (e *DSLEncoder) Encode(cfg *Config) ([]byte, error) {
	e.buf = e.buf[:0]
	var tmp [20]byte

	for _, u := range cfg.OrgUnits {
		e.buf = append(e.buf, "orgunit "...)
		e.buf = append(e.buf, u.TenantID...)
		e.buf = append(e.buf, ' ')
		e.buf = append(e.buf, u.ID...)
		if u.Parent != "" {
			e.buf = append(e.buf, " parent:"...)
			e.buf = append(e.buf, u.Parent...)
		}
		e.buf = append(e.buf, '\n')
	}

	for _, r := range cfg.Rules {
		e.buf = append(e.buf, "rule "...)
		e.buf = append(e.buf, r.ID...)
		e.buf = append(e.buf, ' ')
		e.buf = append(e.buf, r.TenantID...)
		e.buf = append(e.buf, ' ')
		e.buf = append(e.buf, r.Resource...)
		e.buf = append(e.buf, ' ')
		e.buf = append(e.buf, JoinActions(r.Actions)...)
		e.buf = append(e.buf, ' ')
		e.buf = append(e.buf, encodeCondition(r.Expression)...)
		if r.UserID != "" {
			e.buf = append(e.buf, " user:"...)
			e.buf = append(e.buf, r.UserID...)
		}
		if r.OrgUnitID != "" {
			e.buf = append(e.buf, " org:"...)
			e.buf = append(e.buf, r.OrgUnitID...)
			if r.Inheritance {
				e.buf = append(e.buf, " inherit"...)
			}
		}
		if r.Role != "" {
			e.buf = append(e.buf, " role:"...)
			e.buf = append(e.buf, r.Role...)
		}
		if r.Priority != 0 {
			e.buf = append(e.buf, " priority:"...)
			n := strconv.AppendInt(tmp[:0], int64(r.Priority), 10)
			e.buf = append(e.buf, n...)
		}
		if !r.Enabled {
			e.buf = append(e.buf, " disabled"...)
		}
		if r.Description != "" {
			e.buf = append(e.buf, " desc:\""...)
			e.buf = append(e.buf, r.Description...)
			e.buf = append(e.buf, '"')
		}
		e.buf = append(e.buf, '\n')
	}

	if cfg.Engine.CacheTTL > 0 || cfg.Engine.DefaultAllow != nil {
		e.buf = append(e.buf, "engine"...)
		if cfg.Engine.CacheTTL > 0 {
			e.buf = append(e.buf, " cache_ttl="...)
			n := strconv.AppendInt(tmp[:0], cfg.Engine.CacheTTL, 10)
			e.buf = append(e.buf, n...)
		}
		if cfg.Engine.DefaultAllow != nil {
			e.buf = append(e.buf, " default_allow="...)
			e.buf = append(e.buf, strconv.FormatBool(*cfg.Engine.DefaultAllow)...)
		}
		e.buf = append(e.buf, '\n')
	}

	return e.buf, nil
}

// encodeCondition renders simple single-leaf expressions in the compact
// forms; everything else falls back to the json: escape.
func encodeCondition(node *ExprNode) string {
	if node == nil {
		return "true"
	}
	if node.Operator == OpEquals && node.Field != "" {
		if s, ok := node.Value.(string); ok && s != "" && !strings.ContainsAny(s, " \t\",") {
			return node.Field + "=" + s
		}
	}
	if node.Operator == OpIn && node.Field != "" {
		if vals, ok := asSlice(node.Value); ok && len(vals) > 0 {
			parts := make([]string, 0, len(vals))
			for _, v := range vals {
				s, ok := v.(string)
				if !ok || s == "" || strings.ContainsAny(s, " \t\",") {
					parts = nil
					break
				}
				parts = append(parts, s)
			}
			if parts != nil {
				return node.Field + "@" + strings.Join(parts, ",")
			}
		}
	}
	raw, err := json.Marshal(node)
	if err != nil {
		return "true"
	}
	return "json:" + string(raw)
}

func (p *DSLParser) Parse(data []byte) (*Config, error) {
	cfg := &Config{
		Version:  1,
		Rules:    make([]*Rule, 0, 16),
		OrgUnits: make([]OrgUnitConfig, 0, 8),
	}

	p.line = 0
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			p.line++
			line := data[start:i]
			start = i + 1

			for len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
				line = line[1:]
			}
			for len(line) > 0 && (line[len(line)-1] == ' ' || line[len(line)-1] == '\t' || line[len(line)-1] == '\r') {
				line = line[:len(line)-1]
			}

			if len(line) == 0 || line[0] == '#' {
				continue
			}

			parts := splitLineBytes(line)
			if len(parts) == 0 {
				continue
			}

			switch parts[0] {
			case "rule":
				if err := p.parseRule(cfg, parts[1:]); err != nil {
					return nil, fmt.Errorf("line %d: %w", p.line, err)
				}
			case "orgunit":
				if err := p.parseOrgUnit(cfg, parts[1:]); err != nil {
					return nil, fmt.Errorf("line %d: %w", p.line, err)
				}
			case "engine":
				if err := p.parseEngine(cfg, parts[1:]); err != nil {
					return nil, fmt.Errorf("line %d: %w", p.line, err)
				}
			default:
				return nil, fmt.Errorf("line %d: unknown directive: %s", p.line, parts[0])
			}
		}
	}

	return cfg, nil
}

// splitLineBytes splits on whitespace only. Conditions carry no spaces (the
// json: escape is compact JSON) and quoted descriptions are re-joined by the
// rule parser.
func splitLineBytes(line []byte) []string {
	parts := make([]string, 0, 8)
	var start int
	for i := 0; i < len(line); i++ {
		if line[i] == ' ' || line[i] == '\t' {
			if i > start {
				parts = append(parts, string(line[start:i]))
			}
			start = i + 1
		}
	}
	if start < len(line) {
		parts = append(parts, string(line[start:]))
	}
	return parts
}

func (p *DSLParser) parseRule(cfg *Config, parts []string) error {
	if len(parts) < 5 {
		return fmt.Errorf("rule requires: <id> <tenant> <resource> <action> <condition> [options]")
	}

	expr, err := parseCondition(parts[4])
	if err != nil {
		return err
	}
	r := &Rule{
		ID:         parts[0],
		TenantID:   parts[1],
		Resource:   parts[2],
		Actions:    ParseActions(parts[3]),
		Expression: expr,
		Enabled:    true,
	}

	for i := 5; i < len(parts); i++ {
		opt := parts[i]
		switch {
		case strings.HasPrefix(opt, "user:"):
			r.UserID = opt[5:]
		case strings.HasPrefix(opt, "org:"):
			r.OrgUnitID = opt[4:]
		case opt == "inherit":
			r.Inheritance = true
		case strings.HasPrefix(opt, "role:"):
			r.Role = opt[5:]
		case strings.HasPrefix(opt, "priority:"):
			r.Priority, _ = strconv.Atoi(opt[9:])
		case opt == "disabled":
			r.Enabled = false
		case strings.HasPrefix(opt, "desc:"):
			// Descriptions may contain spaces; everything after desc: is
			// one quoted value.
			d := strings.TrimPrefix(strings.Join(parts[i:], " "), "desc:")
			r.Description = strings.Trim(d, `"`)
			i = len(parts)
		default:
			return fmt.Errorf("unknown rule option: %s", opt)
		}
	}

	if err := r.Validate(); err != nil {
		return err
	}
	cfg.Rules = append(cfg.Rules, r)
	return nil
}

func (p *DSLParser) parseOrgUnit(cfg *Config, parts []string) error {
	if len(parts) < 2 {
		return fmt.Errorf("orgunit requires: <tenant> <id> [parent:<id>]")
	}
	u := OrgUnitConfig{TenantID: parts[0], ID: parts[1]}
	for _, opt := range parts[2:] {
		if strings.HasPrefix(opt, "parent:") {
			u.Parent = opt[7:]
		}
	}
	cfg.OrgUnits = append(cfg.OrgUnits, u)
	return nil
}

func (p *DSLParser) parseEngine(cfg *Config, parts []string) error {
	for _, kv := range parts {
		idx := strings.Index(kv, "=")
		if idx == -1 {
			continue
		}
		key, val := kv[:idx], kv[idx+1:]
		switch key {
		case "cache_ttl":
			cfg.Engine.CacheTTL, _ = strconv.ParseInt(val, 10, 64)
		case "default_allow":
			b, err := strconv.ParseBool(val)
			if err != nil {
				return fmt.Errorf("default_allow: %w", err)
			}
			cfg.Engine.DefaultAllow = &b
		}
	}
	return nil
}

func parseCondition(s string) (*ExprNode, error) {
	if s == "" || s == "true" {
		return And(), nil
	}
	if strings.HasPrefix(s, "json:") {
		node := &ExprNode{}
		if err := json.Unmarshal([]byte(s[5:]), node); err != nil {
			return nil, fmt.Errorf("condition json: %w", err)
		}
		return node, nil
	}
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return Eq(s[:i], s[i+1:]), nil
		}
		if s[i] == '@' {
			values := make([]any, 0, 4)
			start := i + 1
			for j := i + 1; j <= len(s); j++ {
				if j == len(s) || s[j] == ',' {
					if j > start {
						values = append(values, s[start:j])
					}
					start = j + 1
				}
			}
			return In(s[:i], values...), nil
		}
	}
	return nil, fmt.Errorf("unparsable condition: %s", s)
}
