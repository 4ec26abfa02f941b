package gateway_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mishalajmi/mashrook-payments/internal/gateway"
	"github.com/mishalajmi/mashrook-payments/internal/gateway/sandbox"
)

func TestRegistryResolvesActiveAndByProvider(t *testing.T) {
	gw := sandbox.New("secret", "https://pay.test")
	r := gateway.NewRegistry(gateway.ProviderSandbox)
	r.Register(gw)

	active, err := r.Active()
	require.NoError(t, err)
	require.Equal(t, gateway.ProviderSandbox, active.Provider())

	byID, err := r.Get(gateway.ProviderSandbox)
	require.NoError(t, err)
	require.Equal(t, active, byID)
}

func TestRegistryUnknownProvider(t *testing.T) {
	r := gateway.NewRegistry(gateway.ProviderTap)
	r.Register(sandbox.New("secret", "https://pay.test"))

	_, err := r.Get("stripe")
	require.ErrorIs(t, err, gateway.ErrUnknownProvider)

	// Active provider that was never registered.
	_, err = r.Active()
	require.ErrorIs(t, err, gateway.ErrUnknownProvider)
}
