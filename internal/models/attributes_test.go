package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttributesClone(t *testing.T) {
	orig := Attributes{"temperature": 22.5, "status": "online"}
	clone := orig.Clone()

	require.True(t, orig.Equal(clone))

	clone["temperature"] = 30.0
	assert.Equal(t, 22.5, orig["temperature"])

	assert.Nil(t, Attributes(nil).Clone())
}

func TestAttributesEqual(t *testing.T) {
	a := Attributes{"temperature": 22.5, "status": "online"}

	assert.True(t, a.Equal(Attributes{"temperature": 22.5, "status": "online"}))
	assert.False(t, a.Equal(Attributes{"temperature": 23.0, "status": "online"}))
	assert.False(t, a.Equal(Attributes{"temperature": 22.5}))
	assert.False(t, a.Equal(Attributes{"temperature": 22.5, "status": "online", "extra": 1.0}))
}

func TestAttributesEqualNumericNormalization(t *testing.T) {
	// Values written in code as int must compare equal to the float64
	// that json decoding produces for the same number.
	a := Attributes{"count": 25}
	b := Attributes{"count": 25.0}

	assert.True(t, a.Equal(b))
	assert.True(t, b.Equal(a))
}

func TestAttributesDiff(t *testing.T) {
	reported := Attributes{"temperature": 22.5, "status": "online", "humidity": 45.0}

	tests := []struct {
		name    string
		desired Attributes
		want    Attributes
	}{
		{
			name:    "no divergence",
			desired: Attributes{"temperature": 22.5, "status": "online"},
			want:    Attributes{},
		},
		{
			name:    "changed value",
			desired: Attributes{"temperature": 25.0, "status": "online"},
			want:    Attributes{"temperature": 25.0},
		},
		{
			name:    "key missing from reported",
			desired: Attributes{"target_mode": "eco"},
			want:    Attributes{"target_mode": "eco"},
		},
		{
			name:    "mixed",
			desired: Attributes{"temperature": 25.0, "humidity": 45.0, "target_mode": "eco"},
			want:    Attributes{"temperature": 25.0, "target_mode": "eco"},
		},
		{
			name:    "empty desired",
			desired: Attributes{},
			want:    Attributes{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := reported.Diff(tt.desired)
			assert.True(t, tt.want.Equal(got), "want %v, got %v", tt.want, got)
		})
	}
}

func TestAttributesCompositeValues(t *testing.T) {
	// JSON objects and arrays decode to map/slice values, which must
	// compare by content rather than with ==.
	a := Attributes{
		"cfg":  map[string]interface{}{"a": 1.0},
		"tags": []interface{}{"x", "y"},
	}
	same := Attributes{
		"cfg":  map[string]interface{}{"a": 1.0},
		"tags": []interface{}{"x", "y"},
	}
	changed := Attributes{
		"cfg":  map[string]interface{}{"a": 2.0},
		"tags": []interface{}{"x", "y"},
	}

	assert.True(t, a.Equal(same))
	assert.False(t, a.Equal(changed))

	diff := a.Diff(changed)
	require.Len(t, diff, 1)
	assert.Equal(t, map[string]interface{}{"a": 2.0}, diff["cfg"])

	assert.Empty(t, a.Diff(same))
}

func TestAttributesScanValue(t *testing.T) {
	orig := Attributes{"temperature": 22.5, "status": "online"}

	v, err := orig.Value()
	require.NoError(t, err)

	var scanned Attributes
	require.NoError(t, scanned.Scan(v))
	assert.True(t, orig.Equal(scanned))

	require.NoError(t, scanned.Scan(nil))
	assert.Empty(t, scanned)

	assert.Error(t, scanned.Scan(42))
}
