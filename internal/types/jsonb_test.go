package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadata_ScanBytes(t *testing.T) {
	var m Metadata
	require.NoError(t, m.Scan([]byte(`{"plan_id":"pro","overage_enabled":"true"}`)))
	assert.Equal(t, "pro", m["plan_id"])
	assert.Equal(t, "true", m["overage_enabled"])
}

func TestMetadata_ScanString(t *testing.T) {
	var m Metadata
	require.NoError(t, m.Scan(`{"org_id":"org_42"}`))
	assert.Equal(t, "org_42", m["org_id"])
}

func TestMetadata_ScanNil(t *testing.T) {
	m := Metadata{"stale": "value"}
	require.NoError(t, m.Scan(nil))
}

func TestMetadata_ScanUnsupportedType(t *testing.T) {
	var m Metadata
	assert.Error(t, m.Scan(42))
}

func TestMetadata_ValueNil(t *testing.T) {
	var m Metadata
	v, err := m.Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestMetadata_ValueRoundTrip(t *testing.T) {
	m := Metadata{"interval": "month"}
	v, err := m.Value()
	require.NoError(t, err)

	var out Metadata
	require.NoError(t, out.Scan(v))
	assert.Equal(t, m, out)
}

func TestEventResult_ValueAndScan(t *testing.T) {
	in := EventResult{Outcome: "processed", SubscriptionID: "sub_1"}
	v, err := in.Value()
	require.NoError(t, err)

	var out EventResult
	require.NoError(t, out.Scan(v))
	assert.Equal(t, in, out)
}
