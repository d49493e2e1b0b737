package tenant

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"already valid", "acme_corp", "acme_corp"},
		{"uppercase", "AcmeCorp", "acmecorp"},
		{"special chars", "acme.corp/eu-west", "acme_corp_eu_west"},
		{"collapses runs", "a -- b", "a_b"},
		{"trims underscores", "_acme_", "acme"},
		{"empty", "", "default"},
		{"only invalid", "!!!", "default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.input))
		})
	}
}

func TestSanitize_LongIdentifierGetsHashSuffix(t *testing.T) {
	long := strings.Repeat("a", 100)
	out := Sanitize(long)

	assert.LessOrEqual(t, len(out), MaxIdentifierLength)
	assert.True(t, Valid(out))

	// Distinct long inputs must not collide after truncation.
	other := Sanitize(strings.Repeat("a", 99) + "b")
	assert.NotEqual(t, out, other)
}

func TestDomainKey(t *testing.T) {
	key, err := DomainKey("tenant-a", "crm.contacts")
	require.NoError(t, err)
	assert.Equal(t, "tenant_a:crm_contacts", key)

	keyB, err := DomainKey("tenant-b", "crm.contacts")
	require.NoError(t, err)
	assert.NotEqual(t, key, keyB)
}

func TestDomainKey_Invalid(t *testing.T) {
	_, err := DomainKey("", "crm")
	assert.ErrorIs(t, err, ErrInvalidTenantID)

	_, err = DomainKey("tenant-a", "")
	assert.ErrorIs(t, err, ErrInvalidDomain)
}

func TestSessionScope(t *testing.T) {
	scope, err := SessionScope("tenant-a", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "tenant_a:sess_1", scope)

	scope, err = SessionScope("tenant-a", "")
	require.NoError(t, err)
	assert.Equal(t, "tenant_a", scope)
}

func TestCheckOwner(t *testing.T) {
	require.NoError(t, CheckOwner("tenant-a", "tenant-a"))

	err := CheckOwner("tenant-a", "tenant-b")
	assert.ErrorIs(t, err, ErrMismatch)

	err = CheckOwner("", "tenant-b")
	assert.ErrorIs(t, err, ErrInvalidTenantID)
}
