package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/nativesys/internal/config"
	"github.com/breeze-rmm/nativesys/internal/executor"
	"github.com/breeze-rmm/nativesys/internal/native"
	"github.com/breeze-rmm/nativesys/internal/process"
	"github.com/breeze-rmm/nativesys/internal/svcquery"
)

func TestParsePID(t *testing.T) {
	tests := []struct {
		in      string
		want    int32
		wantErr bool
	}{
		{"1", 1, false},
		{"4242", 4242, false},
		{"0", 0, true},
		{"-3", 0, true},
		{"abc", 0, true},
		{"99999999999", 0, true},
	}
	for _, tt := range tests {
		got, err := parsePID(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parsePID(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parsePID(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func withFormat(t *testing.T, f string) {
	t.Helper()
	prev := outFormat
	outFormat = f
	t.Cleanup(func() { outFormat = prev })
}

func TestRenderJSON(t *testing.T) {
	withFormat(t, "json")
	var buf bytes.Buffer
	rep := process.Report{PID: 7, Name: "/usr/sbin/sshd", State: "alive", Running: true}
	if err := render(&buf, rep); err != nil {
		t.Fatalf("render: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not json: %v\n%s", err, buf.String())
	}
	if got["pid"] != float64(7) || got["name"] != "/usr/sbin/sshd" {
		t.Fatalf("unexpected json: %v", got)
	}
	if _, ok := got["memory"]; ok {
		t.Fatal("absent sections should be omitted")
	}
}

func TestRenderYAMLConfig(t *testing.T) {
	withFormat(t, "yaml")
	var buf bytes.Buffer
	if err := render(&buf, config.Default()); err != nil {
		t.Fatalf("render: %v", err)
	}
	var got map[string]any
	if err := yaml.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not yaml: %v", err)
	}
	if got["max_native_handles"] != 50 {
		t.Fatalf("max_native_handles = %v", got["max_native_handles"])
	}
}

func TestRenderTextTable(t *testing.T) {
	withFormat(t, "text")
	var buf bytes.Buffer
	table := []native.ProcEntry{
		{PID: 1, Name: "init", CommandLine: []string{"/sbin/init"}},
		{PID: 22, PPID: 1, Name: "sshd", CommandLine: []string{"/usr/sbin/sshd", "-D"}},
	}
	if err := render(&buf, table); err != nil {
		t.Fatalf("render: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "PID") || !strings.Contains(lines[2], "/usr/sbin/sshd -D") {
		t.Fatalf("unexpected table:\n%s", buf.String())
	}
}

func TestRenderServicesTable(t *testing.T) {
	withFormat(t, "text")
	var buf bytes.Buffer
	svcs := []svcquery.ServiceInfo{
		{Name: "ssh", DisplayName: "OpenBSD Secure Shell server", Status: svcquery.StatusRunning},
		{Name: "cron", Status: svcquery.StatusStopped},
	}
	if err := render(&buf, svcs); err != nil {
		t.Fatalf("render: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "ssh") || !strings.Contains(out, "OpenBSD Secure Shell server") || !strings.Contains(out, "stopped") {
		t.Fatalf("unexpected table:\n%s", out)
	}
}

func TestRenderExecResult(t *testing.T) {
	withFormat(t, "text")
	var buf bytes.Buffer
	if err := render(&buf, executor.Result{ExitCode: 0, Stdout: "Linux\n"}); err != nil {
		t.Fatalf("render: %v", err)
	}
	if buf.String() != "Linux\n" {
		t.Fatalf("successful run should print only its output, got %q", buf.String())
	}

	buf.Reset()
	if err := render(&buf, executor.Result{ExitCode: -1, TimedOut: true, Error: "execution timed out after 1s"}); err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(buf.String(), "exit code -1") || !strings.Contains(buf.String(), "timed out") {
		t.Fatalf("failed run should be reported, got %q", buf.String())
	}
}

func TestRenderUnknownFormat(t *testing.T) {
	withFormat(t, "xml")
	if err := render(&bytes.Buffer{}, 1); err == nil {
		t.Fatal("expected an error for an unknown format")
	}
}

func TestHumanBytes(t *testing.T) {
	tests := map[uint64]string{
		512:        "512 B",
		2048:       "2.0 KiB",
		5 << 20:    "5.0 MiB",
		3 << 30:    "3.0 GiB",
		1536 << 30: "1.5 TiB",
	}
	for n, want := range tests {
		if got := humanBytes(n); got != want {
			t.Errorf("humanBytes(%d) = %q, want %q", n, got, want)
		}
	}
}
