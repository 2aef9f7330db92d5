// Package discovery models the external directory service agents use to
// advertise and find trading counterparties. The directory itself is a
// black-box collaborator; this package defines the data models, the
// descriptions agents publish, the constraint queries they search with,
// and an in-memory directory used by the simulation and tests.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Knetic/govaluate"
	"github.com/google/uuid"
)

// Well-known data model names.
const (
	SupplyModelName     = "market_supply"
	DemandModelName     = "market_demand"
	ControllerModelName = "market_controller"
)

// PriceAttribute is the float attribute every supply/demand model carries
// next to its per-good quantity attributes.
const PriceAttribute = "price"

// DataModel is a named schema for directory descriptions.
type DataModel struct {
	Name       string   `json:"name"`
	Attributes []string `json:"attributes"`
}

// SupplyDemandModel builds the schema for offered or requested goods: one
// non-negative integer attribute per good plus a float price.
func SupplyDemandModel(goodIDs []string, isSupply bool) DataModel {
	name := DemandModelName
	if isSupply {
		name = SupplyModelName
	}
	attrs := append([]string(nil), goodIDs...)
	attrs = append(attrs, PriceAttribute)
	return DataModel{Name: name, Attributes: attrs}
}

// ControllerModel is the schema controllers register under so agents can
// find the competition.
func ControllerModel() DataModel {
	return DataModel{Name: ControllerModelName, Attributes: []string{"version"}}
}

// Description is one registered directory entry.
type Description struct {
	AgentID string         `json:"agent_id"`
	Model   DataModel      `json:"model"`
	Values  map[string]any `json:"values"`
}

// BuildDescription publishes quantities per good under the supply or
// demand model.
func BuildDescription(agentID string, goodIDs []string, quantities []int, isSupply bool, price *float64) Description {
	values := make(map[string]any, len(goodIDs)+1)
	for i, goodID := range goodIDs {
		values[goodID] = quantities[i]
	}
	if price != nil {
		values[PriceAttribute] = *price
	}
	return Description{
		AgentID: agentID,
		Model:   SupplyDemandModel(goodIDs, isSupply),
		Values:  values,
	}
}

// ControllerDescription advertises a running controller.
func ControllerDescription(controllerID string) Description {
	return Description{
		AgentID: controllerID,
		Model:   ControllerModel(),
		Values:  map[string]any{"version": 1},
	}
}

// Query is a directory search: a target data model and a boolean
// constraint expression over its attributes.
type Query struct {
	ID         string `json:"id"`
	Model      string `json:"model"`
	Expression string `json:"expression"`
}

// BuildQuery builds the counterparty search: a disjunction of
// "quantity >= 1" constraints over the requested goods, against the supply
// model when searching for sellers and the demand model otherwise.
func BuildQuery(goodIDs []string, searchingForSellers bool) Query {
	model := DemandModelName
	if searchingForSellers {
		model = SupplyModelName
	}
	constraints := make([]string, len(goodIDs))
	for i, goodID := range goodIDs {
		constraints[i] = fmt.Sprintf("%s >= 1", goodID)
	}
	return Query{
		ID:         uuid.NewString(),
		Model:      model,
		Expression: strings.Join(constraints, " || "),
	}
}

// ControllerQuery searches for a running controller.
func ControllerQuery() Query {
	return Query{
		ID:         uuid.NewString(),
		Model:      ControllerModelName,
		Expression: "version >= 1",
	}
}

// Matches evaluates the query expression against a description. Attributes
// absent from the description evaluate as zero.
func (q Query) Matches(d Description) (bool, error) {
	if q.Model != d.Model.Name {
		return false, nil
	}
	if strings.TrimSpace(q.Expression) == "" {
		return true, nil
	}
	expr, err := govaluate.NewEvaluableExpression(q.Expression)
	if err != nil {
		return false, fmt.Errorf("invalid query expression: %w", err)
	}
	params := make(map[string]any)
	for _, name := range expr.Vars() {
		params[name] = 0
	}
	for k, v := range d.Values {
		params[k] = v
	}
	result, err := expr.Evaluate(params)
	if err != nil {
		return false, err
	}
	matched, ok := result.(bool)
	if !ok {
		return false, errors.New("query expression did not evaluate to boolean")
	}
	return matched, nil
}

// Directory is the consumed discovery-service interface.
type Directory interface {
	Register(ctx context.Context, description Description) error
	Unregister(ctx context.Context, agentID, modelName string) error
	Search(ctx context.Context, query Query) ([]string, error)
}

// InMemoryDirectory is a deterministic in-process Directory used by the
// simulation and tests.
type InMemoryDirectory struct {
	mu      sync.RWMutex
	entries map[string]map[string]Description // model name -> agent id -> description
}

// NewInMemoryDirectory creates an empty directory.
func NewInMemoryDirectory() *InMemoryDirectory {
	return &InMemoryDirectory{entries: make(map[string]map[string]Description)}
}

// Register stores or replaces one description per (agent, model).
func (d *InMemoryDirectory) Register(_ context.Context, description Description) error {
	if description.AgentID == "" {
		return errors.New("agent id is required")
	}
	if description.Model.Name == "" {
		return errors.New("data model name is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	byAgent, ok := d.entries[description.Model.Name]
	if !ok {
		byAgent = make(map[string]Description)
		d.entries[description.Model.Name] = byAgent
	}
	byAgent[description.AgentID] = description
	return nil
}

// Unregister removes an agent's description for a model, if present.
func (d *InMemoryDirectory) Unregister(_ context.Context, agentID, modelName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if byAgent, ok := d.entries[modelName]; ok {
		delete(byAgent, agentID)
	}
	return nil
}

// Search returns the ids of every registered agent whose description
// satisfies the query, in deterministic order.
func (d *InMemoryDirectory) Search(_ context.Context, query Query) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	byAgent := d.entries[query.Model]
	ids := make([]string, 0, len(byAgent))
	for agentID := range byAgent {
		ids = append(ids, agentID)
	}
	sort.Strings(ids)
	out := make([]string, 0, len(ids))
	for _, agentID := range ids {
		matched, err := query.Matches(byAgent[agentID])
		if err != nil {
			return nil, err
		}
		if matched {
			out = append(out, agentID)
		}
	}
	return out, nil
}
