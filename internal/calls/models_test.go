package calls

import "testing"

func TestStatusValuesAreNonEmptyAndParse(t *testing.T) {
	for _, s := range AllStatuses {
		if s == "" {
			t.Fatalf("expected non-empty status")
		}
		got, ok := ParseStatus(string(s))
		if !ok || got != s {
			t.Fatalf("parse %q: got %q ok=%v", s, got, ok)
		}
	}
	if _, ok := ParseStatus("completed"); ok {
		t.Fatalf("expected unknown status to fail")
	}
}

func TestCanAdvance_OnlyForwardEdges(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusReceived, StatusDownloaded}:            true,
		{StatusReceived, StatusDownloadFailed}:        true,
		{StatusDownloaded, StatusTranscribed}:         true,
		{StatusDownloaded, StatusTranscriptionFailed}: true,
		{StatusTranscribed, StatusAnalyzed}:           true,
		{StatusTranscribed, StatusAnalysisFailed}:     true,
	}
	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			want := allowed[[2]Status{from, to}]
			if got := CanAdvance(from, to); got != want {
				t.Fatalf("CanAdvance(%s, %s) = %v, want %v", from, to, got, want)
			}
			if want && to.Rank() < from.Rank() {
				t.Fatalf("edge %s -> %s decreases rank", from, to)
			}
		}
	}
}

func TestFailedStatesAreAbsorbing(t *testing.T) {
	for _, from := range AllStatuses {
		if !from.Failed() {
			continue
		}
		for _, to := range AllStatuses {
			if CanAdvance(from, to) {
				t.Fatalf("failed status %s should be absorbing, found edge to %s", from, to)
			}
		}
	}
}

func TestFailureFor(t *testing.T) {
	cases := map[Status]Status{
		StatusReceived:    StatusDownloadFailed,
		StatusDownloaded:  StatusTranscriptionFailed,
		StatusTranscribed: StatusAnalysisFailed,
	}
	for from, want := range cases {
		got, ok := FailureFor(from)
		if !ok || got != want {
			t.Fatalf("FailureFor(%s) = %s, %v", from, got, ok)
		}
	}
	if _, ok := FailureFor(StatusAnalyzed); ok {
		t.Fatalf("analyzed has no failure edge")
	}
}

func TestParseHelpersDefault(t *testing.T) {
	if ParseSentiment("angry") != SentimentNeutral {
		t.Fatalf("expected neutral default")
	}
	if ParseSeverity("urgent") != SeverityMedium {
		t.Fatalf("expected medium default")
	}
	if !SeverityCritical.Alerting() || SeverityLow.Alerting() {
		t.Fatalf("unexpected alerting classification")
	}
	if ParseDirection("outbound-dial") != DirectionOutgoingDial {
		t.Fatalf("expected outbound-dial alias")
	}
}
