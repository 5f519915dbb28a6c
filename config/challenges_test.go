package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeCatalog(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "challenges.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("failed to write catalog: %v", err)
	}
	return path
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadChallenges(t *testing.T) {
	path := writeCatalog(t, `
challenges:
  - id: web-1
    name: Web One
    description: A login bypass.
    image: registry.example.com/web-1:latest
    ttl: 1h
    attachments:
      - web-1/handout.zip
  - id: pwn-1
    name: Pwn One
    image: registry.example.com/pwn-1:latest
    ttl: 30m
`)

	challenges, err := LoadChallenges(path, false, discardLogger())
	if err != nil {
		t.Fatalf("LoadChallenges() error = %v", err)
	}
	if len(challenges) != 2 {
		t.Fatalf("loaded %d challenges, want 2", len(challenges))
	}

	web := challenges["web-1"]
	if web == nil {
		t.Fatal("web-1 missing from catalog")
	}
	if web.Name != "Web One" || web.TTL != time.Hour {
		t.Errorf("web-1 = %+v", web)
	}
	if len(web.Attachments) != 1 || web.Attachments[0] != "web-1/handout.zip" {
		t.Errorf("web-1 attachments = %v", web.Attachments)
	}

	if pwn := challenges["pwn-1"]; pwn == nil || pwn.TTL != 30*time.Minute {
		t.Errorf("pwn-1 = %+v", pwn)
	}
}

func TestLoadChallengesRejectsDuplicateIDs(t *testing.T) {
	path := writeCatalog(t, `
challenges:
  - id: web-1
    name: Web One
    ttl: 1h
  - id: web-1
    name: Web One Again
    ttl: 1h
`)

	if _, err := LoadChallenges(path, false, discardLogger()); err == nil {
		t.Error("duplicate challenge id accepted")
	}
}

func TestLoadChallengesRejectsInvalidTTL(t *testing.T) {
	path := writeCatalog(t, `
challenges:
  - id: web-1
    name: Web One
    ttl: soon
`)

	if _, err := LoadChallenges(path, false, discardLogger()); err == nil {
		t.Error("invalid ttl accepted")
	}
}

func TestLoadChallengesDropsMissingDeployers(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "deploy.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}

	path := writeCatalog(t, `
challenges:
  - id: web-1
    name: Web One
    ttl: 1h
    deployer: `+script+`
  - id: pwn-1
    name: Pwn One
    ttl: 1h
    deployer: `+filepath.Join(dir, "missing.sh")+`
`)

	challenges, err := LoadChallenges(path, true, discardLogger())
	if err != nil {
		t.Fatalf("LoadChallenges() error = %v", err)
	}
	if len(challenges) != 1 {
		t.Fatalf("loaded %d challenges, want 1", len(challenges))
	}
	if challenges["web-1"] == nil {
		t.Error("challenge with existing deployer dropped")
	}
}
