package types

import (
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestClientLocation(t *testing.T) {
	cases := []struct {
		name     string
		timezone string
		wantZone string
		wantOK   bool
	}{
		{"valid", "Asia/Kolkata", "Asia/Kolkata", true},
		{"empty degrades to UTC", "", "UTC", false},
		{"invalid degrades to UTC", "Mars/Olympus_Mons", "UTC", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := &Client{ID: "cl_1", Timezone: tc.timezone}
			loc, ok := c.Location()
			if ok != tc.wantOK {
				t.Errorf("ok = %v, want %v", ok, tc.wantOK)
			}
			if loc.String() != tc.wantZone {
				t.Errorf("location = %q, want %q", loc, tc.wantZone)
			}
		})
	}
}

func TestReminderIdempotencyKey(t *testing.T) {
	r := &Reminder{ID: "rem_42"}
	if got := r.IdempotencyKey(); got != "reminder:rem_42" {
		t.Errorf("key = %q, want reminder:rem_42", got)
	}
}

func TestMetaString(t *testing.T) {
	m := Meta{"client_id": "cl_1", "outbox_id": int64(7)}
	if got := m.String("client_id"); got != "cl_1" {
		t.Errorf("String(client_id) = %q", got)
	}
	if got := m.String("outbox_id"); got != "" {
		t.Errorf("non-string value should read as empty, got %q", got)
	}
	if got := m.String("missing"); got != "" {
		t.Errorf("missing key should read as empty, got %q", got)
	}
	var nilMeta Meta
	if got := nilMeta.String("any"); got != "" {
		t.Errorf("nil meta should read as empty, got %q", got)
	}
}

func TestErrorCodeHTTPStatus(t *testing.T) {
	cases := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeValidationMissingField, http.StatusBadRequest},
		{ErrCodeAuthKeyInvalid, http.StatusUnauthorized},
		{ErrCodeNotFoundReminder, http.StatusNotFound},
		{ErrCodeConflictAlreadySent, http.StatusConflict},
		{ErrCodeUpstreamEmailProvider, http.StatusBadGateway},
		{ErrCodeInternalDB, http.StatusInternalServerError},
		{ErrorCode("something_else"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := tc.code.HTTPStatus(); got != tc.want {
			t.Errorf("%s -> %d, want %d", tc.code, got, tc.want)
		}
	}
}

func TestAppErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewAppError(ErrCodeInternalDB, "query failed", cause)

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}

	var appErr *AppError
	wrapped := NewAppError(ErrCodeUpstreamUnavailable, "provider down", err)
	if !errors.As(wrapped, &appErr) {
		t.Fatal("expected errors.As to find AppError")
	}
	if appErr.Code != ErrCodeUpstreamUnavailable {
		t.Errorf("code = %v", appErr.Code)
	}
}

func TestFixedClock(t *testing.T) {
	at := time.Date(2031, 3, 18, 9, 0, 0, 0, time.UTC)
	c := FixedClock{T: at}
	if !c.Now().Equal(at) {
		t.Errorf("Now() = %v, want %v", c.Now(), at)
	}
}
