package classify

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultClassification(t *testing.T) {
	fn := Default()

	cases := []struct {
		name     string
		url      string
		hasRange bool
		want     Kind
	}{
		{"playlist is live", "http://o.example/live/chan.m3u8", false, Live},
		{"ts segment is live", "http://o.example/live/chan.ts", false, Live},
		{"extensionless is live", "http://o.example/live/12345", false, Live},
		{"mp4 is direct", "http://o.example/vod/movie.mp4", false, Direct},
		{"mkv is direct", "http://o.example/vod/show.MKV", false, Direct},
		{"range forces direct", "http://o.example/live/chan.m3u8", true, Direct},
		{"range on extensionless", "http://o.example/live/12345", true, Direct},
		{"query does not fool extension match", "http://o.example/live/chan?f=.mp4", false, Live},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, fn(tc.url, tc.hasRange))
		})
	}
}

func TestIsPlaylist(t *testing.T) {
	require.True(t, IsPlaylist("http://o.example/live/chan.m3u8"))
	require.True(t, IsPlaylist("http://o.example/legacy/list.M3U"))
	require.False(t, IsPlaylist("http://o.example/live/chan.ts"))
	require.False(t, IsPlaylist("http://o.example/live/chan?ext=.m3u8"))
}
