package payments

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToMinorUnits(t *testing.T) {
	assert.Equal(t, int64(2000), ToMinorUnits(20))
	assert.Equal(t, int64(1999), ToMinorUnits(19.99))
	// 0.1+0.2 style float noise rounds to the nearest cent
	assert.Equal(t, int64(30), ToMinorUnits(0.1+0.2))
}
