package sharedtable

import (
	"context"
	"fmt"
	"regexp"

	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/pkg/errors"
)

// conditionMapper rewrites the expressions carried by a request: references
// to mapped key attributes are renamed to their physical names (introducing
// fresh expression-attribute-name placeholders where the expression uses
// the attribute name literally), and value placeholders bound to
// context-aware key attributes are tenant-encoded. Legacy {attr: Condition}
// maps are rewritten the same way. The expression matching is textual, as
// in the projection containment check; it is not a full parser.
type conditionMapper struct {
	mapping *TableMapping
}

// apply rewrites the wrapper's expressions against the given key mappings:
// the table's primary key for Put/Update/Delete, the target index's key for
// Query/Scan.
func (cm conditionMapper) apply(ctx context.Context, rw RequestWrapper, mappings []FieldMapping) error {
	legacy, legacyErr := rw.LegacyExpression()

	// an attribute constrained by both the legacy map and an expression is
	// ambiguous; reject before rewriting anything
	if legacyErr == nil {
		for _, m := range mappings {
			if _, inLegacy := legacy[m.Source.Name]; inLegacy && cm.expressionReferences(rw, m.Source.Name) {
				return errors.Wrapf(ErrInvalidArgument, "attribute %s appears in both legacy conditions and an expression", m.Source.Name)
			}
		}
	}

	for _, m := range mappings {
		if err := cm.applyToField(ctx, rw, m); err != nil {
			return err
		}
	}

	if legacyErr == nil && len(legacy) > 0 {
		if err := cm.applyToLegacy(ctx, rw, legacy, mappings); err != nil {
			return err
		}
	}
	return nil
}

func (cm conditionMapper) applyToField(ctx context.Context, rw RequestWrapper, m FieldMapping) error {
	aliases := aliasesFor(rw, m.Source.Name)

	expressions := []struct {
		get func() *string
		set func(*string)
	}{
		{rw.PrimaryExpression, rw.SetPrimaryExpression},
		{rw.FilterExpression, rw.SetFilterExpression},
	}

	mappedValues := map[string]bool{}
	for _, e := range expressions {
		expr := e.get()
		if expr == nil {
			continue
		}
		text := *expr

		// replace literal uses of the attribute name with a placeholder so
		// the rename below is a single names-map update
		literal := literalFieldPattern(m.Source.Name)
		if literal.MatchString(text) {
			placeholder := freshNamePlaceholder(rw, "#field_mapping")
			text = literal.ReplaceAllString(text, "${1}"+placeholder+"${2}")
			rw.PutExpressionAttributeName(placeholder, m.Source.Name)
			aliases = append(aliases, placeholder)
		}

		// tenant-encode every value placeholder compared against the field
		if m.ContextAware {
			values := rw.ExpressionAttributeValues()
			for _, alias := range aliases {
				for _, valuePlaceholder := range equalityValuePlaceholders(text, alias) {
					if mappedValues[valuePlaceholder] {
						continue
					}
					v, ok := values[valuePlaceholder]
					if !ok {
						return errors.Wrapf(ErrInvalidArgument, "expression references undefined value placeholder %s", valuePlaceholder)
					}
					mapped, err := cm.mapping.fm.apply(ctx, m, v)
					if err != nil {
						return errors.Wrapf(err, "mapping condition value %s", valuePlaceholder)
					}
					rw.PutExpressionAttributeValue(valuePlaceholder, mapped)
					mappedValues[valuePlaceholder] = true
				}
			}
		}

		if text != *expr {
			e.set(&text)
		}
	}

	// rename every alias of the virtual field to the physical name
	for _, alias := range aliases {
		rw.PutExpressionAttributeName(alias, m.Target.Name)
	}
	return nil
}

func (cm conditionMapper) applyToLegacy(ctx context.Context, rw RequestWrapper, legacy map[string]*dynamodb.Condition, mappings []FieldMapping) error {
	for _, m := range mappings {
		cond, ok := legacy[m.Source.Name]
		if !ok {
			continue
		}
		delete(legacy, m.Source.Name)
		if m.ContextAware {
			mappedList := make([]*dynamodb.AttributeValue, len(cond.AttributeValueList))
			for i, v := range cond.AttributeValueList {
				mapped, err := cm.mapping.fm.apply(ctx, m, v)
				if err != nil {
					return errors.Wrapf(err, "mapping legacy condition on %s", m.Source.Name)
				}
				mappedList[i] = mapped
			}
			cond = &dynamodb.Condition{
				ComparisonOperator: cond.ComparisonOperator,
				AttributeValueList: mappedList,
			}
		}
		legacy[m.Target.Name] = cond
	}
	return rw.SetLegacyExpression(legacy)
}

// expressionReferences reports whether the wrapper's primary or filter
// expression mentions the attribute, literally or through an alias.
func (cm conditionMapper) expressionReferences(rw RequestWrapper, name string) bool {
	aliases := aliasesFor(rw, name)
	literal := literalFieldPattern(name)
	for _, expr := range []*string{rw.PrimaryExpression(), rw.FilterExpression()} {
		if expr == nil {
			continue
		}
		if literal.MatchString(*expr) {
			return true
		}
		for _, alias := range aliases {
			if aliasPattern(alias).MatchString(*expr) {
				return true
			}
		}
	}
	return false
}

func aliasesFor(rw RequestWrapper, name string) []string {
	var aliases []string
	for placeholder, bound := range rw.ExpressionAttributeNames() {
		if bound != nil && *bound == name {
			aliases = append(aliases, placeholder)
		}
	}
	return aliases
}

// literalFieldPattern matches a bare use of the attribute name: not part of
// a longer identifier, not a placeholder, not a document path component.
func literalFieldPattern(name string) *regexp.Regexp {
	return regexp.MustCompile(`(^|[^#:A-Za-z0-9_.])` + regexp.QuoteMeta(name) + `($|[^A-Za-z0-9_.])`)
}

func aliasPattern(alias string) *regexp.Regexp {
	return regexp.MustCompile(regexp.QuoteMeta(alias) + `($|[^A-Za-z0-9_])`)
}

// equalityValuePlaceholders returns the value placeholders compared for
// equality against the alias in the expression text.
func equalityValuePlaceholders(text, alias string) []string {
	re := regexp.MustCompile(regexp.QuoteMeta(alias) + `\s*=\s*(:[A-Za-z0-9_]+)`)
	var placeholders []string
	for _, match := range re.FindAllStringSubmatch(text, -1) {
		placeholders = append(placeholders, match[1])
	}
	return placeholders
}

func freshNamePlaceholder(rw RequestWrapper, base string) string {
	names := rw.ExpressionAttributeNames()
	for i := 0; ; i++ {
		candidate := fmt.Sprintf("%s_%d", base, i)
		if _, taken := names[candidate]; !taken {
			return candidate
		}
	}
}

func freshValuePlaceholder(rw RequestWrapper, base string) string {
	values := rw.ExpressionAttributeValues()
	for i := 0; ; i++ {
		candidate := fmt.Sprintf("%s_%d", base, i)
		if _, taken := values[candidate]; !taken {
			return candidate
		}
	}
}
