package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServices(t *testing.T) {
	entries, err := parseServices([]string{"billing=http://billing:8080/in", " support = http://support/api "})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "billing", entries[0].Name)
	assert.Equal(t, "http://billing:8080/in", entries[0].Endpoint)
	assert.Equal(t, "support", entries[1].Name)
	assert.True(t, entries[1].Active)

	for _, bad := range []string{"billing", "=http://x", "billing="} {
		_, err := parseServices([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestReadPayload(t *testing.T) {
	got, err := readPayload([]string{"billing", "ticket", `{"id":1}`}, strings.NewReader("ignored"))
	require.NoError(t, err)
	assert.Equal(t, `{"id":1}`, string(got))

	got, err = readPayload([]string{"billing", "ticket", "-"}, strings.NewReader("<ticket/>"))
	require.NoError(t, err)
	assert.Equal(t, "<ticket/>", string(got))

	got, err = readPayload([]string{"billing", "ticket"}, strings.NewReader("a,b\n1,2"))
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2", string(got))
}

func TestTransportsCommand(t *testing.T) {
	var out bytes.Buffer
	transportsCmd.SetOut(&out)
	require.NoError(t, transportsCmd.RunE(transportsCmd, nil))

	text := out.String()
	for _, name := range []string{"aws", "channel", "http", "kafka", "nats", "rabbitmq"} {
		assert.Contains(t, text, name)
	}
}
