package abac

// Bootstrap policy ids.
const (
	PolicyGlobalAdmin     = "bootstrap.global-admin.all"
	PolicyOrgAdmin        = "bootstrap.org-admin.tenant"
	PolicyManagerApproval = "bootstrap.manager.leave-approval"
	PolicyCompliance      = "bootstrap.compliance-officer.items"
	PolicyOwnLeave        = "bootstrap.owner.leave-request"
	PolicyOwnProfile      = "bootstrap.owner.employee-profile"
	PolicyDefaultDeny     = "bootstrap.default-deny"
)

// DefaultPolicies returns the bootstrap policies seeded for every tenant.
func DefaultPolicies() []Policy {
	return []Policy{
		{
			ID:          PolicyGlobalAdmin,
			Effect:      EffectAllow,
			Actions:     []string{"*"},
			Resources:   []string{"*"},
			Condition:   &ConditionSpec{SubjectRoles: []string{"globalAdmin"}},
			Priority:    1100,
			Description: "Platform administrators may do anything.",
		},
		{
			ID:          PolicyOrgAdmin,
			Effect:      EffectAllow,
			Actions:     []string{"*"},
			Resources:   []string{"hr.*", "employeeProfile", "authz.policy", "authz.role"},
			Condition:   &ConditionSpec{SubjectRoles: []string{"orgAdmin"}},
			Priority:    1000,
			Description: "Tenant administrators manage their tenant's HR data and policies.",
		},
		{
			ID:          PolicyManagerApproval,
			Effect:      EffectAllow,
			Actions:     []string{"approve", "reject", "read"},
			Resources:   []string{"hr.leave.request"},
			Condition:   &ConditionSpec{SubjectRoles: []string{"manager"}},
			Priority:    750,
			Description: "Managers review leave requests.",
		},
		{
			ID:          PolicyCompliance,
			Effect:      EffectAllow,
			Actions:     []string{"create", "read", "update"},
			Resources:   []string{"hr.compliance.*"},
			Condition:   &ConditionSpec{SubjectRoles: []string{"complianceOfficer"}},
			Priority:    700,
			Description: "Compliance officers maintain compliance items.",
		},
		{
			ID:        PolicyOwnLeave,
			Effect:    EffectAllow,
			Actions:   []string{"create", "read", "update", "cancel"},
			Resources: []string{"hr.leave.request"},
			Condition: &ConditionSpec{
				SubjectRoles:                []string{"member", "manager"},
				ResourceOwnerMatchesSubject: true,
			},
			Priority:    500,
			Description: "Employees manage their own leave requests.",
		},
		{
			ID:        PolicyOwnProfile,
			Effect:    EffectAllow,
			Actions:   []string{"read", "update"},
			Resources: []string{"employeeProfile"},
			Condition: &ConditionSpec{
				SubjectRoles:                []string{"member", "manager", "complianceOfficer"},
				ResourceOwnerMatchesSubject: true,
			},
			Priority:    500,
			Description: "Employees read and update their own profile.",
		},
		{
			ID:          PolicyDefaultDeny,
			Effect:      EffectDeny,
			Actions:     []string{"*"},
			Resources:   []string{"*"},
			Priority:    100,
			Description: "Anything not explicitly allowed is denied.",
		},
	}
}
