package connector

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapabilitySetSupports(t *testing.T) {
	set := NewCapabilitySet(CapGetBalance, CapTestConnection)

	assert.True(t, set.Supports(CapGetBalance))
	assert.True(t, set.Supports(CapTestConnection))
	assert.False(t, set.Supports(CapGetHistoricalSummaries))
	assert.ElementsMatch(t, []Capability{CapGetBalance, CapTestConnection}, set.Capabilities())
}
