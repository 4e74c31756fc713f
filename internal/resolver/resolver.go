package resolver

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/rs/zerolog"

	"stocksync/internal/config"
	"stocksync/internal/models"
)

// Policy decides which strategy applies to a conflict. Inventory counts
// default to merge because two counts of the same shelf during one offline
// window should sum; anything else defaults to manual review.
type Policy struct {
	Default        string
	PerEntity      map[string]string
	QuantityFields []string
}

// PolicyFromConfig builds a policy from the resolution section.
func PolicyFromConfig(cfg config.ResolutionConfig) Policy {
	return Policy{
		Default:        cfg.Default,
		PerEntity:      cfg.PerEntity,
		QuantityFields: cfg.QuantityFields,
	}
}

// DefaultPolicy returns the built-in policy used when no config is loaded.
func DefaultPolicy() Policy {
	return Policy{
		Default:        models.StrategyManual,
		PerEntity:      map[string]string{models.EntityInventoryCount: models.StrategyMerge},
		QuantityFields: []string{"quantity"},
	}
}

// StrategyFor returns the strategy configured for an entity type.
func (p Policy) StrategyFor(entityType string) string {
	if s, ok := p.PerEntity[entityType]; ok {
		return s
	}
	if p.Default != "" {
		return p.Default
	}
	return models.StrategyManual
}

func (p Policy) isQuantityField(field string) bool {
	for _, f := range p.QuantityFields {
		if f == field {
			return true
		}
	}
	return false
}

// Outcome is the resolver's verdict on one conflicted operation.
type Outcome struct {
	// Strategy that produced this outcome.
	Strategy string

	// Payload to push back to the server. Nil when nothing needs pushing.
	Payload models.Payload

	// Discard means the local change loses and the entry completes without
	// a resend (server wins).
	Discard bool

	// Manual means no automatic resolution applies; the entry stays in
	// conflict until the user picks a side.
	Manual bool

	// Divergences lists fields where both sides changed and the server's
	// value was kept, recorded for audit.
	Divergences []string
}

// Resolver applies the resolution policy to conflicted operations.
type Resolver struct {
	policy Policy
	logger zerolog.Logger
}

func New(policy Policy, logger *zerolog.Logger) *Resolver {
	return &Resolver{
		policy: policy,
		logger: logger.With().Str("component", "resolver").Logger(),
	}
}

// Resolve applies the policy's strategy for the operation's entity type.
func (r *Resolver) Resolve(op *models.QueuedOperation, serverState models.Payload) Outcome {
	return r.apply(op, serverState, r.policy.StrategyFor(op.EntityType))
}

// Apply resolves with a user-chosen strategy. Choosing manual is not a
// resolution, and a merge that cannot proceed automatically is returned as
// an error so the caller knows the entry did not settle.
func (r *Resolver) Apply(op *models.QueuedOperation, serverState models.Payload, strategy string) (Outcome, error) {
	if !models.ValidStrategy(strategy) {
		return Outcome{}, fmt.Errorf("unknown resolution strategy: %s", strategy)
	}
	if strategy == models.StrategyManual {
		return Outcome{}, fmt.Errorf("manual is not a resolution, pick server_wins, client_wins or merge")
	}

	outcome := r.apply(op, serverState, strategy)
	if outcome.Manual {
		return Outcome{}, fmt.Errorf("cannot merge %s %s automatically, pick server_wins or client_wins",
			op.EntityType, op.EntityID)
	}
	return outcome, nil
}

func (r *Resolver) apply(op *models.QueuedOperation, serverState models.Payload, strategy string) Outcome {
	switch strategy {
	case models.StrategyServerWins:
		return Outcome{Strategy: strategy, Discard: true}

	case models.StrategyClientWins:
		return r.clientWins(op, serverState, strategy)

	case models.StrategyMerge:
		return r.merge(op, serverState)

	default:
		return Outcome{Strategy: models.StrategyManual, Manual: true}
	}
}

func (r *Resolver) clientWins(op *models.QueuedOperation, serverState models.Payload, strategy string) Outcome {
	if op.OperationType == models.OpDelete {
		// Resending the delete is the whole resolution.
		return Outcome{Strategy: strategy}
	}
	if op.Payload == nil {
		return Outcome{Strategy: models.StrategyManual, Manual: true}
	}

	// Carry the server's version forward so the resend does not trip the
	// same version check again.
	payload := op.Payload.Clone()
	if v := serverState.Version(); v != 0 {
		payload[models.FieldVersion] = v
	}
	return Outcome{Strategy: strategy, Payload: payload}
}

// merge does a field-level three-way merge between the client's payload,
// its original snapshot and the server's current state. Fields only the
// client touched take the client's value; fields the server changed
// independently keep the server's value and are recorded as divergences.
// Quantity fields sum the client's delta on top of the server instead of
// overwriting.
func (r *Resolver) merge(op *models.QueuedOperation, serverState models.Payload) Outcome {
	if op.OperationType != models.OpUpdate || op.Payload == nil || op.OriginalPayload == nil || serverState == nil {
		return Outcome{Strategy: models.StrategyManual, Manual: true}
	}

	merged := serverState.Clone()
	var divergences []string

	for field, clientNew := range op.Payload {
		if field == models.FieldVersion || field == models.FieldID {
			continue
		}

		clientOrig, hadOrig := op.OriginalPayload[field]
		if hadOrig && valuesEqual(clientNew, clientOrig) {
			// Client never touched this field.
			continue
		}

		serverVal, serverHas := serverState[field]
		serverChanged := serverHas != hadOrig ||
			(serverHas && hadOrig && !valuesEqual(serverVal, clientOrig))

		if !serverChanged {
			merged[field] = clientNew
			continue
		}

		if r.policy.isQuantityField(field) {
			serverNum, sok := serverState.GetFloat(field)
			clientNum, cok := op.Payload.GetFloat(field)
			origNum, ook := op.OriginalPayload.GetFloat(field)
			if sok && cok && ook {
				merged[field] = serverNum + (clientNum - origNum)
				continue
			}
		}

		// Both sides changed the field; the server's value stays.
		divergences = append(divergences, field)
	}

	sort.Strings(divergences)

	if len(divergences) > 0 {
		r.logger.Info().
			Str("entity_type", op.EntityType).
			Str("entity_id", op.EntityID).
			Strs("fields", divergences).
			Msg("Merge kept server values for diverged fields")
	}

	return Outcome{Strategy: models.StrategyMerge, Payload: merged, Divergences: divergences}
}

func valuesEqual(a, b any) bool {
	af, aok := numeric(a)
	bf, bok := numeric(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
