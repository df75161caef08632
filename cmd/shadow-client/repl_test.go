package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAttributes(t *testing.T) {
	attrs, err := parseAttributes([]string{
		"temperature=25.5",
		"enabled=true",
		"mode=eco",
		"label=\"quoted text\"",
		"stale=null",
	})
	require.NoError(t, err)

	assert.Equal(t, 25.5, attrs["temperature"])
	assert.Equal(t, true, attrs["enabled"])
	assert.Equal(t, "eco", attrs["mode"])
	assert.Equal(t, "quoted text", attrs["label"])
	assert.Nil(t, attrs["stale"])
	assert.Contains(t, attrs, "stale")
}

func TestParseAttributesErrors(t *testing.T) {
	_, err := parseAttributes(nil)
	assert.Error(t, err)

	_, err = parseAttributes([]string{"no-equals"})
	assert.Error(t, err)

	_, err = parseAttributes([]string{"=value"})
	assert.Error(t, err)
}
