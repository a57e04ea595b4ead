package config

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestInitLogger(t *testing.T) {
	InitLogger("debug", "json")
	if got := zerolog.GlobalLevel(); got != zerolog.DebugLevel {
		t.Fatalf("GlobalLevel = %s, want %s", got, zerolog.DebugLevel)
	}

	InitLogger(" WARN ", "console")
	if got := zerolog.GlobalLevel(); got != zerolog.WarnLevel {
		t.Fatalf("GlobalLevel = %s, want %s", got, zerolog.WarnLevel)
	}

	InitLogger("invalid-level", "")
	if got := zerolog.GlobalLevel(); got != zerolog.InfoLevel {
		t.Fatalf("GlobalLevel = %s, want %s", got, zerolog.InfoLevel)
	}

	InitLogger("", "")
	if got := zerolog.GlobalLevel(); got != zerolog.InfoLevel {
		t.Fatalf("GlobalLevel(empty) = %s, want %s", got, zerolog.InfoLevel)
	}
}
