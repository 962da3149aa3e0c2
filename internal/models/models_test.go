package models

import "testing"

func TestStatusToAck(t *testing.T) {
	cases := []struct {
		status string
		want   AckCode
	}{
		{"PENDING", AckPending},
		{"SERVER", AckServer},
		{"DEVICE", AckDevice},
		{"READ", AckRead},
		{"PLAYED", AckPlayed},
		{"ERROR", AckError},
		{"server", AckServer},
		{"Read", AckRead},
		{" played ", AckPlayed},
	}
	for _, c := range cases {
		if got := StatusToAck(c.status); got != c.want {
			t.Errorf("StatusToAck(%q) = %d, want %d", c.status, got, c.want)
		}
	}
}

func TestStatusToAckUnknownDefaultsToPending(t *testing.T) {
	for _, status := range []string{"", "bogus", "DELIVERED_MAYBE", "42"} {
		if got := StatusToAck(status); got != AckPending {
			t.Errorf("StatusToAck(%q) = %d, want AckPending", status, got)
		}
	}
}

func TestAckCodeString(t *testing.T) {
	cases := map[AckCode]string{
		AckError:   "error",
		AckPending: "pending",
		AckServer:  "server",
		AckDevice:  "device",
		AckRead:    "read",
		AckPlayed:  "played",
		AckCode(99): "pending",
	}
	for ack, want := range cases {
		if got := ack.String(); got != want {
			t.Errorf("AckCode(%d).String() = %q, want %q", ack, got, want)
		}
	}
}

func TestStatusUpdateValidate(t *testing.T) {
	u := StatusUpdate{AppointmentID: 12, Status: "SERVER"}
	if err := u.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	u = StatusUpdate{Status: "SERVER"}
	if err := u.Validate(); err != ErrMissingAppointment {
		t.Errorf("expected ErrMissingAppointment, got %v", err)
	}

	u = StatusUpdate{AppointmentID: 12, Status: "  "}
	if err := u.Validate(); err != ErrMissingStatus {
		t.Errorf("expected ErrMissingStatus, got %v", err)
	}
}

func TestValidDate(t *testing.T) {
	if !ValidDate("2025-03-14") {
		t.Error("expected 2025-03-14 to be valid")
	}
	for _, d := range []string{"", "14-03-2025", "2025/03/14", "2025-13-01", "today"} {
		if ValidDate(d) {
			t.Errorf("expected %q to be invalid", d)
		}
	}
}

func TestAPIResponseHelpers(t *testing.T) {
	resp := Success(map[string]int{"n": 1})
	if resp.Status != string(APIStatusOK) {
		t.Errorf("expected ok status, got %q", resp.Status)
	}
	if resp.Result == nil {
		t.Error("expected result to be set")
	}

	resp = Error("boom")
	if resp.Status != string(APIStatusError) || resp.Message != "boom" {
		t.Errorf("unexpected error response: %+v", resp)
	}
}
