package alerting

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestSeverity_String(t *testing.T) {
	tests := []struct {
		severity Severity
		want     string
	}{
		{SeverityInfo, "INFO"},
		{SeverityWarning, "WARNING"},
		{SeverityHigh, "HIGH"},
		{SeverityCritical, "CRITICAL"},
		{Severity(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.severity.String(); got != tt.want {
				t.Errorf("Severity.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		in      string
		want    Severity
		wantErr bool
	}{
		{"", SeverityInfo, false},
		{"info", SeverityInfo, false},
		{"Warn", SeverityWarning, false},
		{"HIGH", SeverityHigh, false},
		{" critical ", SeverityCritical, false},
		{"loud", SeverityInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseSeverity(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSeverity(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseSeverity(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFormatFields(t *testing.T) {
	tests := []struct {
		name   string
		fields []any
		want   string
	}{
		{
			name:   "empty fields",
			fields: nil,
			want:   "",
		},
		{
			name:   "single field",
			fields: []any{"key", "value"},
			want:   "• key: value",
		},
		{
			name:   "multiple fields",
			fields: []any{"key1", "value1", "key2", 123},
			want:   "• key1: value1\n• key2: 123",
		},
		{
			name:   "odd number of fields",
			fields: []any{"key1", "value1", "orphan"},
			want:   "• key1: value1",
		},
		{
			name:   "non-string key skipped",
			fields: []any{42, "x", "key", "value"},
			want:   "• key: value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatFields(tt.fields...); got != tt.want {
				t.Errorf("FormatFields() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEventSeverity(t *testing.T) {
	tests := []struct {
		event AlertEvent
		want  Severity
	}{
		{EventPartialBracket, SeverityCritical},
		{EventLegRejected, SeverityCritical},
		{EventExchangeDown, SeverityHigh},
		{EventEntryFailed, SeverityWarning},
		{EventPositionResolved, SeverityInfo},
		{EventBotStarted, SeverityInfo},
		{EventBotStopped, SeverityInfo},
		{AlertEvent("unknown"), SeverityInfo},
	}

	for _, tt := range tests {
		t.Run(string(tt.event), func(t *testing.T) {
			if got := EventSeverity(tt.event); got != tt.want {
				t.Errorf("EventSeverity(%s) = %v, want %v", tt.event, got, tt.want)
			}
		})
	}
}

func TestMockAlerter(t *testing.T) {
	mock := NewMockAlerter()
	ctx := context.Background()

	if mock.Count() != 0 {
		t.Errorf("expected 0 alerts, got %d", mock.Count())
	}

	if err := mock.Alert(ctx, SeverityInfo, "test message", "key", "value"); err != nil {
		t.Fatalf("Alert() error = %v", err)
	}

	last := mock.LastAlert()
	if last == nil {
		t.Fatal("expected last alert, got nil")
	}
	if last.Severity != SeverityInfo || last.Message != "test message" {
		t.Errorf("last alert = %+v", last)
	}
	if last.Field("key") != "value" {
		t.Errorf("Field(key) = %v, want value", last.Field("key"))
	}
	if last.Field("missing") != nil {
		t.Errorf("Field(missing) = %v, want nil", last.Field("missing"))
	}

	if !mock.HasAlertContaining("test") || mock.HasAlertContaining("nonexistent") {
		t.Error("HasAlertContaining mismatch")
	}
	if !mock.HasAlertWithSeverity(SeverityInfo) || mock.HasAlertWithSeverity(SeverityCritical) {
		t.Error("HasAlertWithSeverity mismatch")
	}

	boom := errors.New("boom")
	mock.FailWith(boom)
	if err := mock.Alert(ctx, SeverityHigh, "second"); !errors.Is(err, boom) {
		t.Errorf("Alert() error = %v, want boom", err)
	}
	if mock.Count() != 2 {
		t.Errorf("failed alert should still be captured, count = %d", mock.Count())
	}

	mock.Clear()
	if mock.Count() != 0 {
		t.Errorf("expected 0 alerts after clear, got %d", mock.Count())
	}
}

func TestConsoleAlerter(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	alerter := NewConsoleAlerter(logger)

	if alerter.Name() != "console" {
		t.Errorf("expected name 'console', got %q", alerter.Name())
	}

	if err := alerter.Alert(context.Background(), SeverityCritical, "flattened", "symbol", "BTCUSDT"); err != nil {
		t.Fatalf("Alert() error = %v", err)
	}

	out := buf.String()
	for _, want := range []string{"level=ERROR", "[ALERT] flattened", "severity=CRITICAL", "symbol=BTCUSDT"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q missing %q", out, want)
		}
	}
}

func TestMultiAlerter(t *testing.T) {
	mock1 := NewMockAlerter()
	mock2 := NewMockAlerter()

	multi := NewMultiAlerter(nil, mock1, mock2)

	if multi.Name() != "multi" {
		t.Errorf("expected name 'multi', got %q", multi.Name())
	}

	if err := multi.Alert(context.Background(), SeverityWarning, "broadcast"); err != nil {
		t.Fatalf("Alert() error = %v", err)
	}
	if mock1.Count() != 1 || mock2.Count() != 1 {
		t.Errorf("counts = %d, %d, want 1, 1", mock1.Count(), mock2.Count())
	}

	mock3 := NewMockAlerter()
	multi.AddAlerter(mock3)
	if multi.Len() != 3 {
		t.Errorf("Len() = %d, want 3", multi.Len())
	}

	_ = multi.Alert(context.Background(), SeverityHigh, "another")
	if mock3.Count() != 1 {
		t.Errorf("mock3: expected 1 alert, got %d", mock3.Count())
	}
}

func TestMultiAlerter_FailureDoesNotStopOthers(t *testing.T) {
	failing := NewMockAlerter()
	boom := errors.New("smtp down")
	failing.FailWith(boom)
	healthy := NewMockAlerter()

	multi := NewMultiAlerter(nil, failing, healthy)
	err := multi.Alert(context.Background(), SeverityCritical, "partial bracket")

	if !errors.Is(err, boom) {
		t.Errorf("Alert() error = %v, want joined boom", err)
	}
	if healthy.Count() != 1 {
		t.Errorf("healthy channel got %d alerts, want 1", healthy.Count())
	}
}

func TestMultiAlerter_Empty(t *testing.T) {
	if err := NewMultiAlerter(nil).Alert(context.Background(), SeverityInfo, "nobody listens"); err != nil {
		t.Errorf("Alert() error = %v", err)
	}
}

func TestMultiAlerter_AlertEvent(t *testing.T) {
	mock := NewMockAlerter()
	multi := NewMultiAlerter(nil, mock)

	if err := multi.AlertEvent(context.Background(), EventLegRejected, "Stop leg rejected"); err != nil {
		t.Fatalf("AlertEvent() error = %v", err)
	}

	last := mock.LastAlert()
	if last == nil {
		t.Fatal("expected alert, got nil")
	}
	if last.Severity != SeverityCritical {
		t.Errorf("expected SeverityCritical, got %v", last.Severity)
	}
}

func TestWithMinSeverity(t *testing.T) {
	mock := NewMockAlerter()
	a := WithMinSeverity(mock, SeverityHigh)
	ctx := context.Background()

	_ = a.Alert(ctx, SeverityInfo, "outcome")
	_ = a.Alert(ctx, SeverityWarning, "entry failed")
	_ = a.Alert(ctx, SeverityCritical, "flattened")

	if mock.Count() != 1 {
		t.Fatalf("count = %d, want 1", mock.Count())
	}
	if a.Name() != "mock" {
		t.Errorf("Name() = %q, want mock", a.Name())
	}
	if WithMinSeverity(mock, SeverityInfo) != Alerter(mock) {
		t.Error("info threshold should return the alerter unchanged")
	}
}
