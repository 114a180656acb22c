package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/chatsafe-net/chatsafe/ledger"
)

func TestFormatInfractions(t *testing.T) {
	assert := assert.New(t)

	infractions := []ledger.Infraction{
		{Subject: "0xAAAA", Reason: "harassment", DetectedAt: time.Unix(1700000000, 0).UTC()},
		{Subject: "0xBBBB", Reason: "hate, violence", DetectedAt: time.Unix(1700000100, 0).UTC()},
		{Subject: "0xAAAA", Reason: "violence", DetectedAt: time.Unix(1700000200, 0).UTC()},
	}

	var buf bytes.Buffer
	shown := formatInfractions(&buf, infractions, "")
	assert.Equal(3, shown)
	out := buf.String()
	assert.Contains(out, "2023-11-14T22:13:20Z\t0xAAAA\tharassment\n")
	assert.Contains(out, "0xBBBB\thate, violence\n")
	assert.Contains(out, "total: 3\n")

	buf.Reset()
	shown = formatInfractions(&buf, infractions, "0xAAAA")
	assert.Equal(2, shown)
	out = buf.String()
	assert.NotContains(out, "0xBBBB")
	assert.Contains(out, "total: 2\n")
}

func TestFormatInfractionsEmpty(t *testing.T) {
	assert := assert.New(t)

	var buf bytes.Buffer
	shown := formatInfractions(&buf, nil, "")
	assert.Equal(0, shown)
	assert.Equal("total: 0\n", buf.String())
}
