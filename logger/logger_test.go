package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestWithEnv(t *testing.T) {
	os.Setenv("FOO", "bar")
	log := Logger()
	entry := log.WithEnv("FOO")
	if v, ok := entry.Entry.Data["FOO"]; !ok || v != "bar" {
		t.Fatalf("env field not set: %v", entry.Entry.Data)
	}
}

func TestWarnAndErrorAreCounted(t *testing.T) {
	log := Logger()
	log.SetOutput(&bytes.Buffer{})
	before := ComponentCounts()["counted_test"]

	log.WithComponent("counted_test").Warn("w")
	log.WithComponent("counted_test").Error("e")
	log.WithComponent("counted_test").Error("e")

	got := ComponentCounts()["counted_test"]
	if got.Warns-before.Warns != 1 || got.Errors-before.Errors != 2 {
		t.Fatalf("unexpected counters %+v", got)
	}
}

func TestLogMetricFields(t *testing.T) {
	var buf bytes.Buffer
	log := Logger()
	log.SetOutput(&buf)
	log.SetLevel(logrus.DebugLevel)
	log.WithComponent("market").LogMetric("sales", int64(3), "", Fields{"world": "w1"})

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("metric line is not json: %v", err)
	}
	if line["metric"] != "sales" || line["unit"] != "count" || line["world"] != "w1" || line["component"] != "market" {
		t.Fatalf("unexpected metric line %v", line)
	}

	buf.Reset()
	log.SetLevel(logrus.InfoLevel)
	log.WithComponent("market").LogMetric("sales", int64(3), "", nil)
	if buf.Len() != 0 {
		t.Fatalf("metric lines must stay below info level")
	}
}

func TestParseLevel(t *testing.T) {
	if lvl, err := parseLevel("report"); err != nil || lvl != logrus.InfoLevel {
		t.Fatalf("report must map to info, got %v %v", lvl, err)
	}
	if lvl, err := parseLevel(" DEBUG "); err != nil || lvl != logrus.DebugLevel {
		t.Fatalf("expected debug, got %v %v", lvl, err)
	}
	if _, err := parseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
