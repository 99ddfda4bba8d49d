package email

import (
	"net/smtp"
	"strings"
	"testing"
	"time"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{
			name:     "empty config",
			config:   Config{},
			expected: false,
		},
		{
			name: "missing host",
			config: Config{
				Port: "587",
				From: "ops@example.com",
			},
			expected: false,
		},
		{
			name: "missing from",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
			},
			expected: false,
		},
		{
			name: "fully configured",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
				From: "ops@example.com",
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config)
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}
}

func TestSendEscalation(t *testing.T) {
	svc := NewService(Config{
		Host:         "smtp.example.com",
		Port:         "587",
		From:         "ops@example.com",
		FromName:     "Loan Operations",
		EscalationTo: []string{"head@example.com"},
	})
	var gotAddr string
	var gotTo []string
	var gotMsg string
	svc.send = func(addr string, _ smtp.Auth, _ string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		return nil
	}

	err := svc.SendEscalation(EscalationData{
		QueryID:      "qry_1",
		AppNo:        "APP-1",
		CustomerName: "Asha Rao",
		SubQuery:     "Income proof <missing>",
		EscalatedBy:  "sales1",
		Team:         "sales",
		EscalatedAt:  time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("SendEscalation() error = %v", err)
	}
	if gotAddr != "smtp.example.com:587" || len(gotTo) != 1 || gotTo[0] != "head@example.com" {
		t.Fatalf("sent to %s %v", gotAddr, gotTo)
	}
	if !strings.Contains(gotMsg, "Subject: Escalated query on APP-1 (Asha Rao)") {
		t.Error("subject missing")
	}
	if !strings.Contains(gotMsg, "Income proof &lt;missing&gt;") {
		t.Error("html part should escape query text")
	}
	if !strings.Contains(gotMsg, "04 May 2026 09:30 UTC") {
		t.Error("escalation time missing")
	}
}

func TestSendEscalationWithoutRecipients(t *testing.T) {
	svc := NewService(Config{Host: "smtp.example.com", Port: "587", From: "ops@example.com"})
	svc.send = func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("send should not be called")
		return nil
	}
	if err := svc.SendEscalation(EscalationData{AppNo: "APP-1"}); err == nil {
		t.Fatal("expected error without recipients")
	}
}
