package response

import (
	"fmt"
	"maps"

	"sentinel/internal/schema"
)

// RuleTable maps threat categories to the action type that answers them.
type RuleTable map[schema.Category]schema.ActionType

// DefaultRules returns the built-in category table.
func DefaultRules() RuleTable {
	return RuleTable{
		schema.CategoryBruteForce:         schema.ActionBlockIP,
		schema.CategoryMalware:            schema.ActionQuarantine,
		schema.CategoryUnauthorizedAccess: schema.ActionKillProcess,
		schema.CategoryAnomaly:            schema.ActionCustom,
	}
}

// NewRuleTable merges overrides (category -> action type) over the
// defaults. Every override value must name a known action type; keys are
// taken as-is so new categories can be routed.
func NewRuleTable(overrides map[string]string) (RuleTable, error) {
	rt := DefaultRules()
	for category, action := range overrides {
		t, err := schema.ParseActionType(action)
		if err != nil {
			return nil, fmt.Errorf("response: rule %q: invalid action type %q", category, action)
		}
		rt[schema.Category(category)] = t
	}
	return rt, nil
}

// Resolve returns the action type for category, custom when unmapped.
func (rt RuleTable) Resolve(category schema.Category) schema.ActionType {
	if t, ok := rt[category]; ok {
		return t
	}
	return schema.ActionCustom
}

// Clone returns an independent copy.
func (rt RuleTable) Clone() RuleTable {
	return maps.Clone(rt)
}
