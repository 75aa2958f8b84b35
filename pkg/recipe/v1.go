package recipe

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/feedstock-tools/smithy/pkg/selector"
)

// v1Parser walks a recipe.yaml document.
type v1Parser struct {
	recipe *Recipe
	eval   *selector.Evaluator
	tmpl   *templater
}

func parseV1(r *Recipe, data []byte, eval *selector.Evaluator) error {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse %s: %w", FormatV1, err)
	}
	if len(doc.Content) == 0 {
		return fmt.Errorf("%s is empty", FormatV1)
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("%s must be a mapping", FormatV1)
	}

	p := &v1Parser{recipe: r, eval: eval, tmpl: newTemplater(r)}
	if ctx := child(root, "context"); ctx != nil {
		if err := p.context(ctx); err != nil {
			return err
		}
	}

	// Multi-output recipes name the shared part "recipe" instead of "package".
	for _, key := range []string{"package", "recipe"} {
		if pkg := child(root, key); pkg != nil {
			r.Name = p.scalar(child(pkg, "name"))
			r.Version = p.scalar(child(pkg, "version"))
			break
		}
	}

	noarch, skip, err := p.build(child(root, "build"))
	if err != nil {
		return err
	}
	r.Noarch, r.Skip = noarch, skip

	if err := p.requirements(child(root, "requirements"), ""); err != nil {
		return err
	}

	outputs := child(root, "outputs")
	if outputs == nil {
		return nil
	}
	if outputs.Kind != yaml.SequenceNode {
		return fmt.Errorf("outputs must be a list")
	}
	// Without a top-level noarch the recipe is noarch when every output is.
	var outputNoarch string
	allNoarch := len(outputs.Content) > 0
	for _, out := range outputs.Content {
		if out.Kind != yaml.MappingNode {
			return fmt.Errorf("line %d: output must be a mapping", out.Line)
		}
		name := p.scalar(child(child(out, "package"), "name"))
		noarch, _, err := p.build(child(out, "build"))
		if err != nil {
			return fmt.Errorf("output %s: %w", name, err)
		}
		if noarch == "" {
			allNoarch = false
		} else if outputNoarch == "" {
			outputNoarch = noarch
		}
		if err := p.requirements(child(out, "requirements"), name); err != nil {
			return fmt.Errorf("output %s: %w", name, err)
		}
	}
	if r.Noarch == "" && allNoarch {
		r.Noarch = outputNoarch
	}
	return nil
}

func (p *v1Parser) context(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: context must be a mapping", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		if value.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: context value %s must be a scalar", value.Line, key.Value)
		}
		if err := p.tmpl.setVar(v1Expr, key.Value, value.Value); err != nil {
			return fmt.Errorf("line %d: %w", key.Line, err)
		}
	}
	return nil
}

func (p *v1Parser) build(node *yaml.Node) (noarch string, skip bool, err error) {
	if node == nil {
		return "", false, nil
	}
	noarch = p.scalar(child(node, "noarch"))
	if s := child(node, "skip"); s != nil {
		skip, err = p.skip(s)
	}
	return noarch, skip, err
}

// skip evaluates build.skip: a boolean, one condition or a list of
// conditions any of which skips the platform. Conditions over unbound
// variant axes mark those axes used and do not skip.
func (p *v1Parser) skip(node *yaml.Node) (bool, error) {
	var exprs []*yaml.Node
	switch node.Kind {
	case yaml.ScalarNode:
		exprs = []*yaml.Node{node}
	case yaml.SequenceNode:
		exprs = node.Content
	default:
		return false, fmt.Errorf("line %d: skip must be a condition or a list", node.Line)
	}
	for _, e := range exprs {
		expr := p.tmpl.render(v1Expr, e.Value)
		switch expr {
		case "true", "True":
			return true, nil
		case "false", "False", "":
			continue
		}
		ok, decided, err := p.condition(expr)
		if err != nil {
			return false, fmt.Errorf("line %d: %w", e.Line, err)
		}
		if decided && ok {
			return true, nil
		}
	}
	return false, nil
}

// condition evaluates expr. decided is false when expr depends on variant
// values not known yet; those names are marked used.
func (p *v1Parser) condition(expr string) (result, decided bool, err error) {
	unbound, err := p.eval.Unbound(expr)
	if err != nil {
		return false, false, err
	}
	if len(unbound) > 0 {
		for _, name := range unbound {
			if _, isVar := p.tmpl.vars[name]; !isVar && !recipeFunctions[name] {
				p.recipe.use(alias(name))
			}
		}
		return false, false, nil
	}
	result, err = p.eval.Eval(expr)
	return result, true, err
}

func (p *v1Parser) requirements(node *yaml.Node, output string) error {
	if node == nil {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: requirements must be a mapping", node.Line)
	}
	for _, section := range []string{SectionBuild, SectionHost, SectionRun, "run_constraints"} {
		list := child(node, section)
		if list == nil {
			continue
		}
		if err := p.items(list, section, output); err != nil {
			return fmt.Errorf("requirements.%s: %w", section, err)
		}
	}
	return nil
}

// items walks a requirement list, following if/then/else items.
func (p *v1Parser) items(node *yaml.Node, section, output string) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if s := p.tmpl.requirement(v1Expr, node.Value); s != "" {
			p.recipe.addRequirement(output, section, s)
		}
		return nil
	case yaml.SequenceNode:
	default:
		return fmt.Errorf("line %d: expected a list", node.Line)
	}

	for _, item := range node.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			if err := p.items(item, section, output); err != nil {
				return err
			}
		case yaml.MappingNode:
			cond := child(item, "if")
			if cond == nil {
				// pin_subpackage and similar mapping forms select no variant.
				continue
			}
			then, otherwise := child(item, "then"), child(item, "else")
			result, decided, err := p.condition(p.tmpl.render(v1Expr, cond.Value))
			if err != nil {
				return fmt.Errorf("line %d: %w", cond.Line, err)
			}
			for _, branch := range []struct {
				node  *yaml.Node
				taken bool
			}{{then, result}, {otherwise, !result}} {
				if branch.node == nil || (decided && !branch.taken) {
					continue
				}
				if err := p.items(branch.node, section, output); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("line %d: unexpected requirement", item.Line)
		}
	}
	return nil
}

func (p *v1Parser) scalar(node *yaml.Node) string {
	if node == nil || node.Kind != yaml.ScalarNode {
		return ""
	}
	return p.tmpl.render(v1Expr, node.Value)
}

// child returns the value of key in a mapping node.
func child(node *yaml.Node, key string) *yaml.Node {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}
