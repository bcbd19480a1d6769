package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOutputBufferKeepsNewest(t *testing.T) {
	b := NewOutputBuffer(3)
	b.Append("1", "2")
	b.Append("3", "4", "5")

	assert.Equal(t, []string{"3", "4", "5"}, b.Lines())
	assert.Equal(t, int64(2), b.Dropped())
	assert.Equal(t, "3\n4\n5", b.String())
}

func TestOutputBufferUnbounded(t *testing.T) {
	b := NewOutputBuffer(-1)
	for i := 0; i < 100; i++ {
		b.Append("x")
	}
	assert.Equal(t, 100, b.Len())
	assert.Zero(t, b.Dropped())

	b.Reset()
	assert.Empty(t, b.Lines())
}
