package pack

// PlanAction is what a projected operation does to the environment.
type PlanAction string

const (
	PlanActionCreate PlanAction = "create"
	PlanActionUpdate PlanAction = "update"
	PlanActionRemove PlanAction = "remove"
)

// PlanEntity is the entity class a projected operation touches.
type PlanEntity string

const (
	PlanEntityRecordType     PlanEntity = "record_type"
	PlanEntitySlaPolicy      PlanEntity = "sla_policy"
	PlanEntityAssignmentRule PlanEntity = "assignment_rule"
	PlanEntityWorkflow       PlanEntity = "workflow"
)

// PlanOp is one ordered step of an environment plan.
type PlanOp struct {
	Action PlanAction `json:"action"`
	Entity PlanEntity `json:"entity"`
	Key    string     `json:"key"`
}

// Project turns a package into the ordered operation plan that materializes
// it over what the environment currently holds. prior is the environment's
// installed package, nil when the environment is empty.
//
// Ordering respects foreign-key dependencies: record types are created before
// anything that references them, and removed after.
func Project(target, prior *Package) []PlanOp {
	if target == nil {
		target = &Package{}
	}
	if prior == nil {
		prior = &Package{}
	}

	var plan []PlanOp
	d := Diff(prior, target)

	for _, add := range d.AddedRecordTypes {
		plan = append(plan, PlanOp{Action: PlanActionCreate, Entity: PlanEntityRecordType, Key: add.Key})
	}
	for _, mod := range d.ModifiedRecordTypes {
		plan = append(plan, PlanOp{Action: PlanActionUpdate, Entity: PlanEntityRecordType, Key: mod.Key})
	}

	plan = append(plan, projectDependents(target, prior)...)

	// Removals last: dependents above have already been rewritten to the
	// target shape, so dropping record types cannot orphan references.
	for _, rem := range d.RemovedRecordTypes {
		plan = append(plan, PlanOp{Action: PlanActionRemove, Entity: PlanEntityRecordType, Key: rem.Key})
	}

	return plan
}

// projectDependents plans SLA policies, assignment rules, and workflows.
func projectDependents(target, prior *Package) []PlanOp {
	var plan []PlanOp

	priorSla := make(map[string]bool, len(prior.SlaPolicies))
	for _, s := range prior.SlaPolicies {
		priorSla[s.RecordTypeKey] = true
	}
	targetSla := make(map[string]bool, len(target.SlaPolicies))
	for _, s := range target.SlaPolicies {
		targetSla[s.RecordTypeKey] = true
		action := PlanActionCreate
		if priorSla[s.RecordTypeKey] {
			action = PlanActionUpdate
		}
		plan = append(plan, PlanOp{Action: action, Entity: PlanEntitySlaPolicy, Key: s.RecordTypeKey})
	}
	for _, s := range prior.SlaPolicies {
		if !targetSla[s.RecordTypeKey] {
			plan = append(plan, PlanOp{Action: PlanActionRemove, Entity: PlanEntitySlaPolicy, Key: s.RecordTypeKey})
		}
	}

	ruleKey := func(r AssignmentRule) string { return r.RecordTypeKey + "/" + r.StrategyType }
	priorRules := make(map[string]bool, len(prior.AssignmentRules))
	for _, r := range prior.AssignmentRules {
		priorRules[ruleKey(r)] = true
	}
	targetRules := make(map[string]bool, len(target.AssignmentRules))
	for _, r := range target.AssignmentRules {
		key := ruleKey(r)
		targetRules[key] = true
		action := PlanActionCreate
		if priorRules[key] {
			action = PlanActionUpdate
		}
		plan = append(plan, PlanOp{Action: action, Entity: PlanEntityAssignmentRule, Key: key})
	}
	for _, r := range prior.AssignmentRules {
		if key := ruleKey(r); !targetRules[key] {
			plan = append(plan, PlanOp{Action: PlanActionRemove, Entity: PlanEntityAssignmentRule, Key: key})
		}
	}

	priorWf := make(map[string]bool, len(prior.Workflows))
	for _, w := range prior.Workflows {
		priorWf[w.Key] = true
	}
	targetWf := make(map[string]bool, len(target.Workflows))
	for _, w := range target.Workflows {
		targetWf[w.Key] = true
		action := PlanActionCreate
		if priorWf[w.Key] {
			action = PlanActionUpdate
		}
		plan = append(plan, PlanOp{Action: action, Entity: PlanEntityWorkflow, Key: w.Key})
	}
	for _, w := range prior.Workflows {
		if !targetWf[w.Key] {
			plan = append(plan, PlanOp{Action: PlanActionRemove, Entity: PlanEntityWorkflow, Key: w.Key})
		}
	}

	return plan
}
