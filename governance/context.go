package governance

// TenantSource identifies how the tenant context was established.
type TenantSource string

const (
	TenantSourceHeader TenantSource = "header"
	TenantSourceSystem TenantSource = "system"
)

// TenantContext scopes an operation to a single tenant.
// It is immutable for the lifetime of the operation.
type TenantContext struct {
	TenantID string       `json:"tenant_id"`
	Source   TenantSource `json:"source"`
}

// ActorType classifies who is performing an operation.
type ActorType string

const (
	ActorTypeUser   ActorType = "user"
	ActorTypeSystem ActorType = "system"
	ActorTypeAgent  ActorType = "agent"
)

// Actor identifies the principal behind an operation.
type Actor struct {
	ID   string    `json:"id"`
	Type ActorType `json:"type"`
}

// Governance carries the change-control linkage for governed writes.
type Governance struct {
	ChangeID string `json:"change_id,omitempty"`
}

// OpContext is the full per-operation context: tenant, actor, and governance.
// Constructed once at the boundary (HTTP middleware or dispatcher) and passed
// by value so nothing downstream can mutate it.
type OpContext struct {
	Tenant     TenantContext
	Actor      Actor
	Governance Governance

	// RequestID correlates audit events for a single inbound request.
	RequestID string
}

// SystemContext returns an OpContext for internal operations (dispatcher,
// scheduler) acting within a tenant without an inbound request.
func SystemContext(tenantID string) OpContext {
	return OpContext{
		Tenant: TenantContext{TenantID: tenantID, Source: TenantSourceSystem},
		Actor:  Actor{ID: "system", Type: ActorTypeSystem},
	}
}

// RequireTenant verifies that an entity's tenant matches the operation tenant.
// Any mismatch is an invariant violation, never a fallthrough.
func (op OpContext) RequireTenant(entityTenantID string) error {
	if op.Tenant.TenantID == "" {
		return NewError(CodeInvariantViolation, "operation has no tenant context")
	}
	if entityTenantID != op.Tenant.TenantID {
		return NewError(CodeInvariantViolation,
			"entity tenant %q does not match operation tenant %q", entityTenantID, op.Tenant.TenantID)
	}
	return nil
}

// RequireGovernance fails closed when a governed write carries no change ID.
func (op OpContext) RequireGovernance(operation string) error {
	if op.Governance.ChangeID == "" {
		return NewError(CodeGovernanceRequired, "%s requires a change ID", operation)
	}
	return nil
}
