package tgui

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEscapeAndTags(t *testing.T) {
	require.Equal(t, H("a &lt;b&gt; &amp; c"), Esc("a <b> & c"))
	require.Equal(t, H("<b>x&lt;y</b>"), B("x<y"))
	require.Equal(t, H("<code>err: &#34;x&#34;</code>"), Code(`err: "x"`))
	require.Equal(t, H("[a&amp;b]"), Account("a&b"))
}

func TestTruncRunes(t *testing.T) {
	require.Equal(t, "héllo", TruncRunes("héllo", 5))
	require.Equal(t, "hé…", TruncRunes("héllo", 2))
	require.Equal(t, "", TruncRunes("héllo", 0))
}
