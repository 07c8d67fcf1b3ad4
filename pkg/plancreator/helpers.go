package plancreator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/wehubfusion/Daedalus/pkg/plan"
	"github.com/wehubfusion/Daedalus/pkg/yamltree"
)

// Fields that hold a list of chained or forked elements.
const (
	fieldStages   = "stages"
	fieldSteps    = "steps"
	fieldParallel = "parallel"
)

// title capitalizes a field name for display. Casers are stateful, so each
// call gets its own.
func title(s string) string {
	return cases.Title(language.English).String(s)
}

// element returns the single payload field of a list item such as
// "- stage: {...}" or "- parallel: [...]".
func element(item *yamltree.Node) (*yamltree.Node, error) {
	fields := item.Fields()
	if item.Kind() != yamltree.KindMapping || len(fields) == 0 {
		return nil, fmt.Errorf("list item at %q must be a mapping with one field", item.Path())
	}
	if len(fields) > 1 {
		return nil, fmt.Errorf("list item at %q has %d fields, want 1", item.Path(), len(fields))
	}
	return fields[0], nil
}

// elements returns the payload fields of every item of a list node.
func elements(list *yamltree.Node) ([]*yamltree.Node, error) {
	items, err := list.AsArray()
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%q cannot be empty", list.Path())
	}
	out := make([]*yamltree.Node, 0, len(items))
	for _, item := range items {
		e, err := element(item)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// nextSiblingID returns the identifier of the element that follows node in
// its enclosing chain. Members of a parallel group have no next sibling.
func nextSiblingID(node *yamltree.Node) string {
	item := node.Parent()
	if item == nil || item.Kind() != yamltree.KindMapping {
		return ""
	}
	list := item.Parent()
	if list == nil || list.Kind() != yamltree.KindSequence || list.FieldName() == fieldParallel {
		return ""
	}
	items, err := list.AsArray()
	if err != nil {
		return ""
	}
	for i, it := range items {
		if it != item || i+1 >= len(items) {
			continue
		}
		next, err := element(items[i+1])
		if err != nil {
			return ""
		}
		return next.UUID()
	}
	return ""
}

// advisers builds the completion directives of a chained node.
func advisers(node *yamltree.Node) []plan.Adviser {
	var out []plan.Adviser
	next := nextSiblingID(node)
	if next != "" {
		out = append(out, plan.Adviser{Type: plan.AdviserNextStep, NextNodeID: next})
	}
	switch node.StringField("onFailure") {
	case "ignore":
		out = append(out, plan.Adviser{Type: plan.AdviserMarkSuccess})
	case "continue":
		if next != "" {
			out = append(out, plan.Adviser{Type: plan.AdviserOnFailNext, NextNodeID: next})
		}
	}
	return out
}

// skipCondition combines the node's skipCondition with its when clause. when
// is a run condition, so the node is skipped when it does not hold.
func skipCondition(node *yamltree.Node) string {
	skip := strings.TrimSpace(node.StringField("skipCondition"))
	when := strings.TrimSpace(node.StringField("when"))
	switch {
	case when == "":
		return skip
	case skip == "":
		return "!(" + when + ")"
	default:
		return "(" + skip + ") || !(" + when + ")"
	}
}

func displayName(node *yamltree.Node) string {
	if name := node.StringField("name"); name != "" {
		return name
	}
	if id := node.StringField("identifier"); id != "" {
		return id
	}
	return title(node.FieldName())
}

func parseTimeout(node *yamltree.Node) (time.Duration, bool, error) {
	raw := node.StringField("timeout")
	if raw == "" {
		return 0, false, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false, fmt.Errorf("invalid timeout %q at %q: %w", raw, node.Path(), err)
	}
	if d <= 0 {
		return 0, false, fmt.Errorf("timeout at %q must be positive", node.Path())
	}
	return d, true, nil
}

// encodeSpec serializes the "spec" field of node as JSON, or nil when absent.
func encodeSpec(node *yamltree.Node) ([]byte, error) {
	spec, err := node.Field("spec")
	if errors.Is(err, yamltree.ErrFieldNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var v map[string]interface{}
	if err := spec.Decode(&v); err != nil {
		return nil, err
	}
	data, err := json.Marshal(stripUUIDs(v))
	if err != nil {
		return nil, fmt.Errorf("failed to encode spec at %q: %w", spec.Path(), err)
	}
	return data, nil
}

func requireChildren(node *yamltree.Node, childIDs []string) error {
	if len(childIDs) == 0 {
		return fmt.Errorf("%q has no compiled children", node.Path())
	}
	return nil
}

// stripUUIDs removes injected identifiers from decoded document values.
func stripUUIDs(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		delete(t, yamltree.UUIDKey)
		for k, child := range t {
			t[k] = stripUUIDs(child)
		}
	case []interface{}:
		for i, child := range t {
			t[i] = stripUUIDs(child)
		}
	}
	return v
}
