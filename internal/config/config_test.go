package config

import "testing"

func TestLoadDefaultsChannelsWhenUnset(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Channels) == 0 {
		t.Fatal("expected defaultChannels() to populate Channels when WS_CHANNELS_CONFIG is unset")
	}
}

func TestLoadParsesChannelsJSON(t *testing.T) {
	t.Setenv("WS_CHANNELS_CONFIG", `[{"id":"custom-feed","kind":"custom","public":true,"maxSubscribers":10,"historySize":5}]`)

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Channels) != 1 || cfg.Channels[0].ID != "custom-feed" {
		t.Fatalf("Channels = %+v, want one channel with id custom-feed", cfg.Channels)
	}
}

func TestLoadRejectsMalformedChannelsJSON(t *testing.T) {
	t.Setenv("WS_CHANNELS_CONFIG", `not json`)

	if _, err := Load(nil); err == nil {
		t.Fatal("expected an error for malformed WS_CHANNELS_CONFIG")
	}
}

func TestValidateRejectsDuplicateChannelIDs(t *testing.T) {
	cfg := &Config{
		Addr:                    ":8080",
		MaxConnections:          1,
		MaxSubscriptionsPerConn: 1,
		CPURejectThreshold:      75,
		CPUPauseThreshold:       80,
		LogLevel:                "info",
		LogFormat:               "json",
		QueueStore:              "memory",
		Channels: []ChannelSpec{
			{ID: "dup"},
			{ID: "dup"},
		},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for duplicate channel ids")
	}
}
