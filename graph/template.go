package graph

import (
	"fmt"
	"strconv"
	"strings"
)

// RenderTemplate resolves a node-config template against a variable
// scope. Supported constructs:
//
//	{{path.to.field}}                     reference, dotted paths
//	{{for x in items}}...{{endfor}}       loops over list values
//	{{if expr}}...{{else}}...{{endif}}    conditionals
//
// An if expression is either a bare path (truthy test: present, non-nil,
// non-empty, non-zero, non-false) or a comparison `path == literal` /
// `path != literal`. Unresolvable references render as empty strings;
// malformed templates return an error.
func RenderTemplate(tmpl string, scope map[string]any) (string, error) {
	nodes, rest, err := parseTemplate(tmpl, "")
	if err != nil {
		return "", err
	}
	if rest != "" {
		return "", fmt.Errorf("template: unexpected %q", firstTag(rest))
	}
	var sb strings.Builder
	if err := renderNodes(&sb, nodes, []map[string]any{scope}); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// tmplNode is one parsed template element.
type tmplNode struct {
	kind string // "text", "ref", "for", "if"
	text string // text content or ref path

	// for
	loopVar  string
	loopPath string
	body     []tmplNode

	// if
	cond     string
	elseBody []tmplNode
}

// parseTemplate parses until EOF or the closing tag named by stop
// ("endfor", "endif", "else"). It returns the parsed nodes and the
// remaining input starting at the closing tag.
func parseTemplate(input, stop string) ([]tmplNode, string, error) {
	var nodes []tmplNode
	for input != "" {
		open := strings.Index(input, "{{")
		if open == -1 {
			nodes = append(nodes, tmplNode{kind: "text", text: input})
			return nodes, "", nil
		}
		if open > 0 {
			nodes = append(nodes, tmplNode{kind: "text", text: input[:open]})
		}
		input = input[open:]
		close := strings.Index(input, "}}")
		if close == -1 {
			return nil, "", fmt.Errorf("template: unterminated tag")
		}
		tag := strings.TrimSpace(input[2:close])
		rest := input[close+2:]

		switch {
		case tag == stop || (stop != "" && tag == "else"):
			return nodes, input, nil
		case strings.HasPrefix(tag, "for "):
			node, remaining, err := parseFor(tag, rest)
			if err != nil {
				return nil, "", err
			}
			nodes = append(nodes, node)
			input = remaining
		case strings.HasPrefix(tag, "if "):
			node, remaining, err := parseIf(tag, rest)
			if err != nil {
				return nil, "", err
			}
			nodes = append(nodes, node)
			input = remaining
		case tag == "endfor" || tag == "endif" || tag == "else":
			return nil, "", fmt.Errorf("template: unexpected {{%s}}", tag)
		default:
			nodes = append(nodes, tmplNode{kind: "ref", text: tag})
			input = rest
		}
	}
	if stop != "" {
		return nil, "", fmt.Errorf("template: missing {{%s}}", stop)
	}
	return nodes, "", nil
}

func parseFor(tag, rest string) (tmplNode, string, error) {
	parts := strings.Fields(tag)
	if len(parts) != 4 || parts[0] != "for" || parts[2] != "in" {
		return tmplNode{}, "", fmt.Errorf("template: malformed {{%s}}", tag)
	}
	body, remaining, err := parseTemplate(rest, "endfor")
	if err != nil {
		return tmplNode{}, "", err
	}
	remaining, err = consumeTag(remaining, "endfor")
	if err != nil {
		return tmplNode{}, "", err
	}
	return tmplNode{kind: "for", loopVar: parts[1], loopPath: parts[3], body: body}, remaining, nil
}

func parseIf(tag, rest string) (tmplNode, string, error) {
	cond := strings.TrimSpace(strings.TrimPrefix(tag, "if "))
	if cond == "" {
		return tmplNode{}, "", fmt.Errorf("template: empty if condition")
	}
	body, remaining, err := parseTemplate(rest, "endif")
	if err != nil {
		return tmplNode{}, "", err
	}
	node := tmplNode{kind: "if", cond: cond, body: body}

	if tagName(remaining) == "else" {
		remaining, err = consumeTag(remaining, "else")
		if err != nil {
			return tmplNode{}, "", err
		}
		node.elseBody, remaining, err = parseTemplate(remaining, "endif")
		if err != nil {
			return tmplNode{}, "", err
		}
	}
	remaining, err = consumeTag(remaining, "endif")
	if err != nil {
		return tmplNode{}, "", err
	}
	return node, remaining, nil
}

func tagName(input string) string {
	if !strings.HasPrefix(input, "{{") {
		return ""
	}
	close := strings.Index(input, "}}")
	if close == -1 {
		return ""
	}
	return strings.TrimSpace(input[2:close])
}

func consumeTag(input, expected string) (string, error) {
	if tagName(input) != expected {
		return "", fmt.Errorf("template: missing {{%s}}", expected)
	}
	return input[strings.Index(input, "}}")+2:], nil
}

func firstTag(input string) string {
	if name := tagName(input); name != "" {
		return "{{" + name + "}}"
	}
	if len(input) > 16 {
		return input[:16]
	}
	return input
}

func renderNodes(sb *strings.Builder, nodes []tmplNode, scopes []map[string]any) error {
	for _, node := range nodes {
		switch node.kind {
		case "text":
			sb.WriteString(node.text)
		case "ref":
			value, _ := resolveScoped(scopes, node.text)
			sb.WriteString(stringify(value))
		case "if":
			branch := node.body
			if !evalCondition(scopes, node.cond) {
				branch = node.elseBody
			}
			if err := renderNodes(sb, branch, scopes); err != nil {
				return err
			}
		case "for":
			value, _ := resolveScoped(scopes, node.loopPath)
			for _, item := range toList(value) {
				frame := map[string]any{node.loopVar: item}
				if err := renderNodes(sb, node.body, append(scopes, frame)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// resolveScoped looks a dotted path up through the scope stack, innermost
// frame first.
func resolveScoped(scopes []map[string]any, path string) (any, bool) {
	for i := len(scopes) - 1; i >= 0; i-- {
		if v, ok := lookupPath(scopes[i], path); ok {
			return v, true
		}
	}
	return nil, false
}

// evalCondition evaluates a bare-path truthiness test or an ==/!=
// comparison against a literal.
func evalCondition(scopes []map[string]any, cond string) bool {
	if idx := strings.Index(cond, "=="); idx != -1 {
		return compareLiteral(scopes, cond[:idx], cond[idx+2:])
	}
	if idx := strings.Index(cond, "!="); idx != -1 {
		return !compareLiteral(scopes, cond[:idx], cond[idx+2:])
	}
	value, ok := resolveScoped(scopes, strings.TrimSpace(cond))
	if !ok {
		return false
	}
	return truthy(value)
}

func compareLiteral(scopes []map[string]any, pathPart, litPart string) bool {
	value, _ := resolveScoped(scopes, strings.TrimSpace(pathPart))
	return stringify(value) == unquote(strings.TrimSpace(litPart))
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' && s[len(s)-1] == '"' || s[0] == '\'' && s[len(s)-1] == '\'') {
		return s[1 : len(s)-1]
	}
	return s
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	default:
		if isList(v) {
			return len(toList(v)) > 0
		}
		if m, ok := asStringMap(v); ok {
			return len(m) > 0
		}
		return true
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		// Whole floats print without a trailing ".0" so state counters
		// substitute cleanly after JSON round trips.
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}
