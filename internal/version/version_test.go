package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	assert.Equal(t, "v1.0.0", (&Info{Build: "v1.0.0"}).String())
	assert.Equal(t, "v1.0.0+0123456", (&Info{Build: "v1.0.0", Commit: "0123456789abcdef"}).String())
	assert.Equal(t, "v1.0.0+abc", (&Info{Build: "v1.0.0", Commit: "abc"}).String())
}

func TestCurrent(t *testing.T) {
	v := Current()
	assert.NotEmpty(t, v.Build)
	assert.NotEmpty(t, v.String())
}
