package pattern

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchResource(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern  string
		resource string
		want     bool
	}{
		{pattern: "*", resource: "anything.at.all", want: true},
		{pattern: "hr.*", resource: "hr.leave.request", want: true},
		{pattern: "hr.*", resource: "hr.compliance.item", want: true},
		{pattern: "hr.*", resource: "employeeProfile", want: false},
		{pattern: "hr.*", resource: "hr", want: false},
		{pattern: "hr.leave.request", resource: "hr.leave.request", want: true},
		{pattern: "hr.leave.request", resource: "HR.leave.request", want: false},
		{pattern: "employeeProfile", resource: "employeeProfiles", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.resource, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, MatchResource(tt.pattern, tt.resource))
		})
	}
}

func TestMatchAction(t *testing.T) {
	t.Parallel()

	assert.True(t, MatchAction("*", "delete"))
	assert.True(t, MatchAction("Approve", "approve"))
	assert.False(t, MatchAction("create", "update"))
	assert.True(t, AnyAction([]string{"read", "update"}, "update"))
	assert.False(t, AnyAction(nil, "update"))
	assert.True(t, AnyResource([]string{"employeeProfile", "hr.*"}, "hr.x"))
}

func TestSpecificity(t *testing.T) {
	t.Parallel()

	assert.Less(t, Specificity("*"), Specificity("hr.*"))
	assert.Less(t, Specificity("hr.*"), Specificity("hr.leave.*"))
	assert.Less(t, Specificity("hr.leave.*"), Specificity("hr"))

	assert.Equal(t, -1, BestSpecificity([]string{"employeeProfile"}, "hr.x", MatchResource))
	assert.Equal(t, Specificity("hr.x"), BestSpecificity([]string{"*", "hr.*", "hr.x"}, "hr.x", MatchResource))
}

func TestValid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern string
		want    bool
	}{
		{pattern: "*", want: true},
		{pattern: "hr.*", want: true},
		{pattern: "employeeProfile", want: true},
		{pattern: "", want: false},
		{pattern: "*.request", want: false},
		{pattern: "hr.*.item", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Valid(tt.pattern))
		})
	}

	assert.True(t, IsWildcardOnly([]string{"read", "*"}))
	assert.False(t, IsWildcardOnly([]string{"hr.*"}))
}
