package payment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryOrderAndResolve(t *testing.T) {
	registry := NewRegistry(
		&fakeProvider{name: ProviderCard},
		&fakeProvider{name: ProviderWallet},
		&fakeProvider{name: ProviderBankTransfer},
	)

	assert.Equal(t, []ProviderName{ProviderCard, ProviderWallet, ProviderBankTransfer}, registry.ListEnabled())

	p, err := registry.Resolve(ProviderWallet)
	require.NoError(t, err)
	assert.Equal(t, ProviderWallet, p.Name())
}

func TestRegistryResolveUnknown(t *testing.T) {
	registry := NewRegistry(&fakeProvider{name: ProviderCard})

	_, err := registry.Resolve(ProviderGooglePlay)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderNotConfigured)
}

func TestRegistryDeduplicates(t *testing.T) {
	first := &fakeProvider{name: ProviderCard}
	registry := NewRegistry(first, &fakeProvider{name: ProviderCard})

	assert.Equal(t, []ProviderName{ProviderCard}, registry.ListEnabled())
	p, err := registry.Resolve(ProviderCard)
	require.NoError(t, err)
	assert.Same(t, first, p)
}

func TestDetectProvider(t *testing.T) {
	tests := []struct {
		ref  string
		want ProviderName
		ok   bool
	}{
		{"pi_123", ProviderCard, true},
		{"ch_456", ProviderCard, true},
		{"wlt_789", ProviderWallet, true},
		{"BT-01ABC", ProviderBankTransfer, true},
		{"GPA.1234-5678", ProviderGooglePlay, true},
		{"unknown_ref", "", false},
	}
	for _, tt := range tests {
		got, ok := DetectProvider(tt.ref)
		assert.Equal(t, tt.ok, ok, tt.ref)
		assert.Equal(t, tt.want, got, tt.ref)
	}
}
