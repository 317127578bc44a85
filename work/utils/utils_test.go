package utils

import (
	"testing"

	"github.com/stretchr/testify/require"

	"krelay/work/config"
)

func TestObfuscateURL(t *testing.T) {
	require.Equal(t, "http://origin.example/***?***",
		ObfuscateURL("http://origin.example/live/user/pass/123.ts?token=secret"))
	require.Equal(t, "https://origin.example/***",
		ObfuscateURL("https://origin.example/live/chan.m3u8"))
	require.Equal(t, "https://origin.example",
		ObfuscateURL("https://origin.example"))
}

func TestLogURLHonorsConfig(t *testing.T) {
	raw := "http://origin.example/live/user/pass/123.ts"

	require.Equal(t, raw, LogURL(&config.Config{ObfuscateUrls: false}, raw))
	require.Equal(t, "http://origin.example/***", LogURL(&config.Config{ObfuscateUrls: true}, raw))
}
