package models

import "testing"

func TestParseAlertPriority(t *testing.T) {
	cases := map[string]AlertPriority{
		"EMERGENCY":     PriorityEmergency,
		"Alert":         PriorityAlert,
		"critical":      PriorityCriticalAlert,
		"ERROR":         PriorityError,
		"HIGH":          PriorityError,
		"warning":       PriorityWarning,
		"Warn":          PriorityWarning,
		"MEDIUM":        PriorityWarning,
		"notice":        PriorityNotice,
		"LOW":           PriorityNotice,
		"informational": PriorityInfo,
		"info":          PriorityInfo,
		" debug ":       PriorityDebug,
		"bogus":         PriorityDebug,
		"":              PriorityDebug,
	}
	for input, want := range cases {
		if got := ParseAlertPriority(input); got != want {
			t.Errorf("ParseAlertPriority(%q) = %s, want %s", input, got, want)
		}
	}
}

func TestMeetsThreshold(t *testing.T) {
	// Threshold WARNING: warning and anything more severe meets it.
	threshold := PriorityWarning
	meets := []AlertPriority{PriorityEmergency, PriorityAlert, PriorityCriticalAlert, PriorityError, PriorityWarning}
	for _, p := range meets {
		if !p.MeetsThreshold(threshold) {
			t.Errorf("%s should meet threshold %s", p, threshold)
		}
	}
	misses := []AlertPriority{PriorityNotice, PriorityInfo, PriorityDebug}
	for _, p := range misses {
		if p.MeetsThreshold(threshold) {
			t.Errorf("%s should not meet threshold %s", p, threshold)
		}
	}
}

func TestAlertPriorityString(t *testing.T) {
	if PriorityCriticalAlert.String() != "CRITICAL" {
		t.Fatalf("got %s", PriorityCriticalAlert)
	}
	if AlertPriority(99).String() != "UNKNOWN" {
		t.Fatal("out-of-range priority should stringify as UNKNOWN")
	}
}
