// Package billing answers feature entitlement questions for accounts.
package billing

import (
	"context"
	"strings"
)

// StaticChecker grants a fixed set of features. The key "*" applies to
// every account.
type StaticChecker struct {
	grants map[string]map[string]struct{}
}

// NewStaticChecker builds a checker from account -> features
func NewStaticChecker(grants map[string][]string) *StaticChecker {
	c := &StaticChecker{grants: make(map[string]map[string]struct{}, len(grants))}
	for account, features := range grants {
		set := make(map[string]struct{}, len(features))
		for _, f := range features {
			set[f] = struct{}{}
		}
		c.grants[account] = set
	}
	return c
}

// ParseStaticGrants parses "acc1=advanced_orders|automated_strategies,*=advanced_orders"
func ParseStaticGrants(spec string) map[string][]string {
	grants := make(map[string][]string)
	for _, entry := range strings.Split(spec, ",") {
		account, features, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok || strings.TrimSpace(account) == "" {
			continue
		}
		for _, f := range strings.Split(features, "|") {
			if f = strings.TrimSpace(f); f != "" {
				grants[strings.TrimSpace(account)] = append(grants[strings.TrimSpace(account)], f)
			}
		}
	}
	return grants
}

// HasFeature implements trading.FeatureChecker
func (c *StaticChecker) HasFeature(_ context.Context, accountID, feature string) bool {
	if set, ok := c.grants[accountID]; ok {
		if _, ok := set[feature]; ok {
			return true
		}
	}
	_, ok := c.grants["*"][feature]
	return ok
}
