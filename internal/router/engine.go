package router

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/mExOms/gateway/internal/registry"
	"github.com/mExOms/gateway/pkg/types"
	"github.com/sirupsen/logrus"
)

// HealthSource reports the current health status of a venue
type HealthSource interface {
	Status(venue string) types.VenueStatus
}

// ruleSet is an immutable routing table
type ruleSet struct {
	bySymbol   map[string]types.RoutingRule
	byCategory map[types.OrderCategory]types.RoutingRule
	fallback   *types.RoutingRule
}

// Skip records why a venue of the chain was passed over
type Skip struct {
	Venue  string            `json:"venue"`
	Status types.VenueStatus `json:"status,omitempty"`
	Reason string            `json:"reason"`
}

// Selection is the outcome of one routing decision
type Selection struct {
	Venue   string            `json:"venue"`
	Rule    types.RoutingRule `json:"rule"`
	Skipped []Skip            `json:"skipped,omitempty"`
}

// Engine resolves routing rules and picks the first healthy venue of a chain
type Engine struct {
	rules    atomic.Pointer[ruleSet]
	registry *registry.Registry
	health   HealthSource
	logger   *logrus.Entry
}

// NewEngine creates a routing engine with the given rules
func NewEngine(reg *registry.Registry, health HealthSource, rules []types.RoutingRule, def *types.RoutingRule) (*Engine, error) {
	e := &Engine{
		registry: reg,
		health:   health,
		logger:   logrus.WithField("component", "router"),
	}
	if err := e.ReplaceRules(rules, def); err != nil {
		return nil, err
	}
	return e, nil
}

// ReplaceRules validates a new rule table and swaps it in atomically
func (e *Engine) ReplaceRules(rules []types.RoutingRule, def *types.RoutingRule) error {
	next := &ruleSet{
		bySymbol:   make(map[string]types.RoutingRule),
		byCategory: make(map[types.OrderCategory]types.RoutingRule),
	}

	for i, rule := range rules {
		if rule.Primary == "" {
			return fmt.Errorf("routing rule %d (%s) has no primary venue", i, rule.Key())
		}
		rule.Fallback = append([]string(nil), rule.Fallback...)
		switch {
		case rule.Symbol != "" && rule.Category != "":
			return fmt.Errorf("routing rule %d sets both symbol and category", i)
		case rule.Symbol != "":
			symbol := strings.ToUpper(rule.Symbol)
			if _, exists := next.bySymbol[symbol]; exists {
				return fmt.Errorf("duplicate routing rule for symbol %s", symbol)
			}
			rule.Symbol = symbol
			next.bySymbol[symbol] = rule
		case rule.Category != "":
			category := types.OrderCategory(strings.ToLower(string(rule.Category)))
			switch category {
			case types.CategoryMarket, types.CategoryLimit, types.CategoryConditional:
			default:
				return fmt.Errorf("routing rule %d has unknown category %q", i, rule.Category)
			}
			if _, exists := next.byCategory[category]; exists {
				return fmt.Errorf("duplicate routing rule for category %s", category)
			}
			rule.Category = category
			next.byCategory[category] = rule
		default:
			return fmt.Errorf("routing rule %d needs a symbol or a category", i)
		}
		e.warnUnknown(rule)
	}

	if def != nil {
		if def.Primary == "" {
			return fmt.Errorf("default routing rule has no primary venue")
		}
		rule := *def
		rule.Symbol, rule.Category = "", ""
		rule.Fallback = append([]string(nil), def.Fallback...)
		e.warnUnknown(rule)
		next.fallback = &rule
	}

	e.rules.Store(next)
	e.logger.WithFields(logrus.Fields{
		"symbol_rules":   len(next.bySymbol),
		"category_rules": len(next.byCategory),
		"has_default":    next.fallback != nil,
	}).Info("Routing rules loaded")
	return nil
}

func (e *Engine) warnUnknown(rule types.RoutingRule) {
	if e.registry == nil {
		return
	}
	for _, id := range rule.Chain() {
		if _, ok := e.registry.Get(id); !ok {
			e.logger.WithFields(logrus.Fields{
				"rule":  rule.Key(),
				"venue": id,
			}).Warn("Routing rule references unknown venue")
		}
	}
}

// Resolve returns the rule for a request: exact symbol, then order category, then default
func (e *Engine) Resolve(req *types.OrderRequest) (types.RoutingRule, error) {
	rules := e.rules.Load()
	if rule, ok := rules.bySymbol[strings.ToUpper(req.Symbol)]; ok {
		return rule, nil
	}
	if rule, ok := rules.byCategory[types.CategoryOf(req.Type)]; ok {
		return rule, nil
	}
	if rules.fallback != nil {
		return *rules.fallback, nil
	}
	return types.RoutingRule{}, fmt.Errorf("%w: no routing rule for %s", types.ErrNoCandidate, req.Symbol)
}

// Candidates returns the ordered venue chain for a request
func (e *Engine) Candidates(req *types.OrderRequest) ([]string, error) {
	rule, err := e.Resolve(req)
	if err != nil {
		return nil, err
	}
	return rule.Chain(), nil
}

// Select walks the rule's chain and returns the first usable venue not in exclude.
// On ErrNoCandidate the returned selection still carries the rule and the skipped venues.
func (e *Engine) Select(req *types.OrderRequest, exclude map[string]bool) (Selection, error) {
	rule, err := e.Resolve(req)
	if err != nil {
		return Selection{}, err
	}

	sel := Selection{Rule: rule}
	for _, id := range rule.Chain() {
		if exclude[id] {
			continue
		}
		if reason, status := e.disqualify(id, req.Symbol); reason != "" {
			sel.Skipped = append(sel.Skipped, Skip{Venue: id, Status: status, Reason: reason})
			continue
		}
		sel.Venue = id

		e.logger.WithFields(logrus.Fields{
			"symbol":    req.Symbol,
			"rule":      rule.Key(),
			"criterion": rule.Criterion,
			"venue":     id,
			"skipped":   len(sel.Skipped),
		}).Debug("Venue selected")
		return sel, nil
	}

	e.logger.WithFields(logrus.Fields{
		"symbol":  req.Symbol,
		"rule":    rule.Key(),
		"skipped": len(sel.Skipped),
	}).Debug("No candidate venue")
	return sel, fmt.Errorf("%w: %s via %s", types.ErrNoCandidate, req.Symbol, rule.Key())
}

// disqualify returns a reason when a venue cannot take the order
func (e *Engine) disqualify(id, symbol string) (string, types.VenueStatus) {
	cfg, ok := e.registry.Get(id)
	if !ok {
		return "unknown venue", ""
	}
	if !cfg.Active {
		return "inactive", ""
	}
	if !cfg.Supports(symbol) {
		return "symbol not supported", ""
	}
	status := types.StatusStandby
	if e.health != nil {
		status = e.health.Status(id)
	}
	if status != types.StatusHealthy {
		return "status " + string(status), status
	}
	return "", status
}
