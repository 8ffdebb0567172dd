package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func TestMergeNested(t *testing.T) {
	doc := Defaults()

	changed := doc.Merge(Document{
		"cloudTunnel": map[string]any{"enabled": true, "baseUrl": "relay.example.com"},
		"extra":       "value",
	})
	if !changed {
		t.Fatal("Merge reported no change")
	}

	s, err := doc.Settings()
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	if !s.CloudTunnel.Enabled || s.CloudTunnel.BaseURL != "relay.example.com" {
		t.Fatalf("cloudTunnel = %+v", s.CloudTunnel)
	}
	// Sibling keys survive a partial object merge.
	if s.CloudTunnel.MaxFps != 5 {
		t.Fatalf("maxFps = %d, want 5 (default kept)", s.CloudTunnel.MaxFps)
	}
	if doc["extra"] != "value" {
		t.Fatalf("extra = %v", doc["extra"])
	}
}

func TestMergeNoChange(t *testing.T) {
	doc := Defaults()

	// Numbers decoded from JSON are float64; the default literal is int.
	var delta Document
	if err := json.Unmarshal([]byte(`{"camera":{"frameRate":10}}`), &delta); err != nil {
		t.Fatal(err)
	}
	if doc.Merge(delta) {
		t.Fatal("merging identical values reported a change")
	}
}

func TestMergeReplacesArrays(t *testing.T) {
	doc := Defaults()
	doc.Merge(Document{"auth": map[string]any{"excludePaths": []any{"/only"}}})

	s, err := doc.Settings()
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Auth.ExcludePaths) != 1 || s.Auth.ExcludePaths[0] != "/only" {
		t.Fatalf("excludePaths = %v", s.Auth.ExcludePaths)
	}
}

func TestCloneIsDeep(t *testing.T) {
	doc := Defaults()
	c := doc.Clone()
	c.Set([]string{"camera", "frameRate"}, 30)

	s, _ := doc.Settings()
	if s.Camera.FrameRate != 10 {
		t.Fatalf("source mutated through clone: frameRate = %d", s.Camera.FrameRate)
	}
}

func TestQueue(t *testing.T) {
	q := NewQueue(2)

	if !q.Push(Document{"a": 1}) || !q.Push(Document{"b": 2}) {
		t.Fatal("Push failed below capacity")
	}
	if q.Push(Document{"c": 3}) {
		t.Fatal("Push succeeded on a full queue")
	}

	got := q.Drain()
	if len(got) != 2 {
		t.Fatalf("Drain returned %d deltas, want 2", len(got))
	}
	if got[0]["a"] != 1 || got[1]["b"] != 2 {
		t.Fatalf("Drain order = %v", got)
	}
	if again := q.Drain(); len(again) != 0 {
		t.Fatalf("deltas consumed twice: %v", again)
	}
}

func TestQueueCopiesDelta(t *testing.T) {
	q := NewQueue(1)
	delta := Document{"camera": map[string]any{"frameRate": 1}}
	q.Push(delta)
	delta["camera"].(map[string]any)["frameRate"] = 99

	got := q.Drain()[0]
	if got["camera"].(map[string]any)["frameRate"] != 1 {
		t.Fatal("queued delta aliases the caller's map")
	}
}

func TestStoreLoadCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	st := NewStore(path)

	doc, err := st.Load(Defaults())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc["deviceName"] != "devlink" {
		t.Fatalf("deviceName = %v", doc["deviceName"])
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("defaults not written: %v", err)
	}
}

func TestStoreRoundTripMergesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"hostname":"bench","camera":{"frameRate":3}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	st := NewStore(path)
	doc, err := st.Load(Defaults())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s, err := doc.Settings()
	if err != nil {
		t.Fatal(err)
	}
	if s.Hostname != "bench" || s.Camera.FrameRate != 3 {
		t.Fatalf("stored values lost: %+v", s)
	}
	if s.Telemetry.IntervalMs != 1000 {
		t.Fatalf("default missing after load: intervalMs = %d", s.Telemetry.IntervalMs)
	}

	doc.Set([]string{"hostname"}, "bench-2")
	if err := st.Save(doc); err != nil {
		t.Fatalf("Save: %v", err)
	}
	again, err := NewStore(path).Load(Defaults())
	if err != nil {
		t.Fatal(err)
	}
	if again["hostname"] != "bench-2" {
		t.Fatalf("hostname = %v after save", again["hostname"])
	}
}

func TestStoreWatchIgnoresOwnWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	st := NewStore(path)
	doc, err := st.Load(Defaults())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan Document, 4)
	go st.Watch(ctx, func(d Document) { changes <- d })
	time.Sleep(100 * time.Millisecond) // let the watcher register

	doc.Set([]string{"hostname"}, "self")
	if err := st.Save(doc); err != nil {
		t.Fatal(err)
	}
	select {
	case d := <-changes:
		t.Fatalf("own write reported as external change: %v", d["hostname"])
	case <-time.After(300 * time.Millisecond):
	}

	if err := os.WriteFile(path, []byte(`{"hostname":"external"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case d := <-changes:
		if d["hostname"] != "external" {
			t.Fatalf("hostname = %v, want external", d["hostname"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("external edit not observed")
	}
}
