package demo

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunNotifiesEachChannelsOwnFollowers(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Run(&buf))
	out := buf.String()

	order := []string{
		"For `Ali`, there's a new message from channel `TeChNoLoGiA`: Hi! There is just a new Samsung phone",
		"For `Zeinab`, there's a new message from channel `TeChNoLoGiA`",
		"For `Fatemeh`, there's a new message from channel `TeChNoLoGiA`",
		"For `Reza`, there's a new message from channel `SPORTS`: Hello sport fans!",
		"For `Alexander`, there's a new message from channel `SPORTS`",
		"For `Rosy`, there's a new message from channel `SPORTS`",
	}
	last := -1
	for _, want := range order {
		idx := strings.Index(out, want)
		require.Greater(t, idx, last, "missing or out of order: %q", want)
		last = idx
	}

	assert.NotContains(t, out, "For `Ali`, there's a new message from channel `SPORTS`")
	assert.NotContains(t, out, "For `Reza`, there's a new message from channel `TeChNoLoGiA`")
	assert.Equal(t, 6, strings.Count(out, "there's a new message"))
}
