package clusterfanout

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChannelForAndDocIDFromChannelRoundTrip(t *testing.T) {
	channel := channelFor("wf-1")
	require.Equal(t, "tabcoord:doc:wf-1", channel)
	require.Equal(t, "wf-1", docIDFromChannel(channel))
}

func TestDocIDFromChannelRejectsUnrelatedChannel(t *testing.T) {
	require.Equal(t, "", docIDFromChannel("some:other:channel"))
}
