package config

import (
	"strings"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.SLA.UnattendedAgeHours != 24 {
		t.Errorf("unattended_age_hours = %v, want 24", cfg.SLA.UnattendedAgeHours)
	}
	if len(cfg.Catalog["single"]) != 8 || len(cfg.Catalog["double"]) != 10 {
		t.Errorf("catalog sizes = %d/%d, want 8/10", len(cfg.Catalog["single"]), len(cfg.Catalog["double"]))
	}
}

func TestValidateRejectsNonIncreasingPercent(t *testing.T) {
	_, err := FromYAML([]byte(`catalog:
  single:
    - {stage: "Deposit", percent: 20}
    - {stage: "Frame", percent: 20}
    - {stage: "Finalisation", percent: 100}
`))
	if err == nil || !strings.Contains(err.Error(), "increase strictly") {
		t.Fatalf("err = %v, want strict increase error", err)
	}
}

func TestValidateRejectsCatalogNotEndingAt100(t *testing.T) {
	_, err := FromYAML([]byte(`catalog:
  double:
    - {stage: "Deposit", percent: 5}
    - {stage: "Handover", percent: 90}
`))
	if err == nil || !strings.Contains(err.Error(), "end at 100") {
		t.Fatalf("err = %v, want terminal 100 error", err)
	}
}

func TestValidateRejectsUnknownHouseType(t *testing.T) {
	_, err := FromYAML([]byte(`catalog:
  townhouse:
    - {stage: "Deposit", percent: 100}
`))
	if err == nil || !strings.Contains(err.Error(), "unknown house type") {
		t.Fatalf("err = %v, want unknown house type error", err)
	}
}

func TestValidateRejectsDuplicateStage(t *testing.T) {
	_, err := FromYAML([]byte(`catalog:
  single:
    - {stage: "Deposit", percent: 5}
    - {stage: "Deposit", percent: 100}
`))
	if err == nil || !strings.Contains(err.Error(), "repeats stage") {
		t.Fatalf("err = %v, want duplicate stage error", err)
	}
}

func TestFromYAMLDefaultsSLAWindow(t *testing.T) {
	cfg, err := FromYAML([]byte(`webhooks: []`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.SLA.UnattendedAgeHours != 24 {
		t.Errorf("unattended_age_hours = %v, want default 24", cfg.SLA.UnattendedAgeHours)
	}
}

func TestValidateRequiresWebhookURL(t *testing.T) {
	_, err := FromYAML([]byte(`webhooks:
  - secret: abc
`))
	if err == nil || !strings.Contains(err.Error(), "url is required") {
		t.Fatalf("err = %v, want webhook url error", err)
	}
}
