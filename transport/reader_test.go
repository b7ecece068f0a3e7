package transport

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseReaderType(t *testing.T) {
	for _, rt := range ReaderTypes {
		v, err := ParseReaderType(string(rt))
		require.NoError(t, err)
		assert.Equal(t, rt, v)
	}
	v, err := ParseReaderType(" NFC ")
	require.NoError(t, err)
	assert.Equal(t, ReaderNFC, v)

	_, err = ParseReaderType("bluetooth")
	assert.EqualError(t, err, `unsupported reader type: "bluetooth"`)

	assert.False(t, ReaderUSB.Exchange())
	assert.True(t, ReaderNFC.Exchange())
	assert.True(t, ReaderVCR.Exchange())
}

func TestReaderUnmarshal(t *testing.T) {
	var list []Reader
	require.NoError(t, json.Unmarshal([]byte(`[{"name":"R2","type":"nfc"}]`), &list))
	assert.Equal(t, []Reader{{Name: "R2", Type: ReaderNFC}}, list)

	err := json.Unmarshal([]byte(`[{"name":"R2","type":"ble"}]`), &list)
	assert.Error(t, err)

	list = nil
	require.NoError(t, yaml.Unmarshal([]byte("- name: V1\n  type: VCR\n"), &list))
	assert.Equal(t, []Reader{{Name: "V1", Type: ReaderVCR}}, list)
}
