package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"company.created", "company.created", true},
		{"company.created", "company.updated", false},
		{"company.*", "company.created", true},
		{"company.*", "company.deleted", true},
		{"company.*", "company", false},
		{"company.*", "company.created.extra", false},
		{"company.*", "store.created", false},
		{"*.created", "owner.created", true},
		{"#", "password.changed", true},
		{"#", "a.b.c", true},
		{"company.#", "company", true},
		{"company.#", "company.created.v2", true},
		{"#.deleted", "store.deleted", true},
		{"#.deleted", "deleted", true},
		{"#.deleted", "store.updated", false},
		{"a.#.z", "a.z", true},
		{"a.#.z", "a.b.c.z", true},
		{"a.#.z", "a.b.c", false},
		{"dlq.company.*", "dlq.company.created", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchTopic(tt.pattern, tt.key))
		})
	}
}

func TestValidateBindingPattern(t *testing.T) {
	valid := []string{"password.changed", "company.*", "#", "store.#", "*.deleted"}
	for _, p := range valid {
		assert.NoError(t, ValidateBindingPattern(p), p)
	}

	invalid := []string{"", "company.", ".created", "company..created", "comp*ny.created", "company.created#", "company created"}
	for _, p := range invalid {
		err := ValidateBindingPattern(p)
		require.Error(t, err, p)
		assert.ErrorIs(t, err, ErrInvalidBindingPattern)
	}
}

func TestIsWildcard(t *testing.T) {
	assert.True(t, IsWildcard("company.*"))
	assert.True(t, IsWildcard("#"))
	assert.False(t, IsWildcard("company.created"))
}
