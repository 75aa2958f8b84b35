package recipe

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/feedstock-tools/smithy/pkg/selector"
)

var (
	jinjaSet   = regexp.MustCompile(`\{%-?\s*set\s+(\w+)\s*=\s*(.+?)\s*-?%\}`)
	jinjaBlock = regexp.MustCompile(`\{%.*?%\}`)
	skipLine   = regexp.MustCompile(`^\s*skip\s*:`)

	// listItem keeps the package name of a requirement line.
	listItem = regexp.MustCompile(`^(\s*-\s*[^\s<>=!~#]+).*$`)
)

func parseV0(r *Recipe, data []byte, eval *selector.Evaluator) error {
	tmpl := newTemplater(r)
	src, err := preprocessV0(r, tmpl, data, eval)
	if err != nil {
		return err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(src, &doc); err != nil {
		return fmt.Errorf("failed to parse rendered %s: %w", FormatV0, err)
	}
	if len(doc.Content) == 0 {
		return fmt.Errorf("%s is empty", FormatV0)
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("%s must be a mapping", FormatV0)
	}

	pkg := child(root, "package")
	r.Name = scalarValue(child(pkg, "name"))
	r.Version = scalarValue(child(pkg, "version"))
	if r.Noarch, r.Skip, err = buildV0(child(root, "build")); err != nil {
		return err
	}
	if err := requirementsV0(r, child(root, "requirements"), ""); err != nil {
		return err
	}

	outputs := child(root, "outputs")
	if outputs == nil {
		return nil
	}
	if outputs.Kind != yaml.SequenceNode {
		return fmt.Errorf("outputs must be a list")
	}
	for _, out := range outputs.Content {
		name := scalarValue(child(out, "name"))
		if _, _, err := buildV0(child(out, "build")); err != nil {
			return fmt.Errorf("output %s: %w", name, err)
		}
		if err := requirementsV0(r, child(out, "requirements"), name); err != nil {
			return fmt.Errorf("output %s: %w", name, err)
		}
	}
	return nil
}

// preprocessV0 applies line selectors, collects {% set %} variables, drops
// other Jinja statements and substitutes {{ }} expressions. Selectors over
// variant axes that are not known yet keep their line and mark the axes
// used, except on skip lines, which are dropped.
func preprocessV0(r *Recipe, tmpl *templater, data []byte, eval *selector.Evaluator) ([]byte, error) {
	var out bytes.Buffer
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()

		if content, expr, ok := selector.SplitLine(line); ok {
			unbound, err := eval.Unbound(expr)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			if len(unbound) > 0 {
				for _, name := range unbound {
					r.use(alias(name))
				}
				if skipLine.MatchString(content) {
					continue
				}
			} else {
				keep, err := eval.Eval(expr)
				if err != nil {
					return nil, fmt.Errorf("line %d: %w", lineNo, err)
				}
				if !keep {
					continue
				}
			}
			line = content
		}

		for _, m := range jinjaSet.FindAllStringSubmatch(line, -1) {
			tmpl.vars[m[1]] = tmpl.eval(m[2])
		}
		if stripped := jinjaBlock.ReplaceAllString(line, ""); stripped != line {
			if strings.TrimSpace(stripped) == "" {
				continue
			}
			line = stripped
		}

		tmpl.lossy = false
		rendered := tmpl.render(v0Expr, line)
		if tmpl.lossy {
			rendered = listItem.ReplaceAllString(rendered, "$1")
		}
		out.WriteString(rendered)
		out.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", FormatV0, err)
	}
	return out.Bytes(), nil
}

func buildV0(node *yaml.Node) (noarch string, skip bool, err error) {
	if node == nil {
		return "", false, nil
	}
	noarch = scalarValue(child(node, "noarch"))
	if s := scalarValue(child(node, "skip")); s != "" {
		skip, err = strconv.ParseBool(s)
		if err != nil {
			return "", false, fmt.Errorf("build.skip: %q is not a boolean", s)
		}
	}
	return noarch, skip, nil
}

// requirementsV0 reads a requirements mapping, or the plain list an output
// may use for its run requirements.
func requirementsV0(r *Recipe, node *yaml.Node, output string) error {
	if node == nil {
		return nil
	}
	switch node.Kind {
	case yaml.SequenceNode:
		return itemsV0(r, node, SectionRun, output)
	case yaml.MappingNode:
	default:
		return fmt.Errorf("line %d: requirements must be a mapping", node.Line)
	}
	for _, section := range []string{SectionBuild, SectionHost, SectionRun, "run_constrained"} {
		if list := child(node, section); list != nil {
			if err := itemsV0(r, list, section, output); err != nil {
				return fmt.Errorf("requirements.%s: %w", section, err)
			}
		}
	}
	return nil
}

func itemsV0(r *Recipe, node *yaml.Node, section, output string) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil
	}
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: expected a list", node.Line)
	}
	for _, item := range node.Content {
		if item.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: requirement must be a string", item.Line)
		}
		if s := scalarValue(item); s != "" {
			r.addRequirement(output, section, s)
		}
	}
	return nil
}

func scalarValue(node *yaml.Node) string {
	if node == nil || node.Kind != yaml.ScalarNode || node.Tag == "!!null" {
		return ""
	}
	return node.Value
}
