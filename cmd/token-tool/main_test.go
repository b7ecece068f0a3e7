package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRealMain(t *testing.T) {
	out := bytes.NewBuffer([]byte{})
	errout := bytes.NewBuffer([]byte{})
	rc := 0
	exit := func(c int) {
		rc = c
	}

	realMain([]string{"token-tool", "version"}, out, errout, exit)
	assert.Equal(t, 80, rc)
	assert.Equal(t, "token-tool: error: unexpected argument version\n", errout.String())
	assert.Empty(t, out.String())
}

func TestVersion(t *testing.T) {
	out := bytes.NewBuffer([]byte{})
	errout := bytes.NewBuffer([]byte{})
	rc := -1
	exit := func(c int) {
		// the first exit code, parsing continues with mocked exit
		if rc < 0 {
			rc = c
		}
	}

	realMain([]string{"token-tool", "--version"}, out, errout, exit)
	assert.Equal(t, 0, rc)
	assert.NotEmpty(t, out.String())
}
