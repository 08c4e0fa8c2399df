package main

import (
	"log/slog"
	"testing"

	"github.com/castline/castline/internal/config"
)

func TestCloudURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.CloudConfig
		want string
	}{
		{
			name: "no token",
			cfg:  config.CloudConfig{URL: "libsql://castline.example.io"},
			want: "libsql://castline.example.io",
		},
		{
			name: "token appended",
			cfg:  config.CloudConfig{URL: "libsql://castline.example.io", AuthToken: "tok"},
			want: "libsql://castline.example.io?authToken=tok",
		},
		{
			name: "token joined to existing query",
			cfg:  config.CloudConfig{URL: "libsql://castline.example.io?tls=0", AuthToken: "tok"},
			want: "libsql://castline.example.io?tls=0&authToken=tok",
		},
		{
			name: "token is escaped",
			cfg:  config.CloudConfig{URL: "libsql://castline.example.io", AuthToken: "a b"},
			want: "libsql://castline.example.io?authToken=a+b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cloudURL(tt.cfg); got != tt.want {
				t.Errorf("cloudURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
