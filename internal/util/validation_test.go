package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidEnum(t *testing.T) {
	values := []string{"asc", "desc"}
	assert.True(t, IsValidEnum("", values))
	assert.True(t, IsValidEnum("asc", values))
	assert.False(t, IsValidEnum("sideways", values))
}
