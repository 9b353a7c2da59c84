package email

import "testing"

func TestClassifyField(t *testing.T) {
	tests := []struct {
		name string
		want FieldType
	}{
		{"From", FieldFrom},
		{"To", FieldTo},
		{"Cc", FieldCC},
		{"Bcc", FieldBCC},
		{"Subject", FieldSubject},
		{"Date", FieldDate},
		{"Message-Id", FieldMessageID},
		{"Content-Type", FieldContentType},
		{"Resent-Message-Id", FieldResentMessageID},
		{"X-Mailer", FieldOther},
		{"X-Made-Up-Header", FieldOther},
	}
	for _, tc := range tests {
		key := CanonicalKey([]byte(tc.name))
		if got := ClassifyField(key); got != tc.want {
			t.Errorf("ClassifyField(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestIsAddressField(t *testing.T) {
	tests := []struct {
		t    FieldType
		want bool
	}{
		{FieldFrom, true},
		{FieldTo, true},
		{FieldCC, true},
		{FieldBCC, true},
		{FieldSender, true},
		{FieldReplyTo, true},
		{FieldSubject, false},
		{FieldDate, false},
		{FieldOther, false},
	}
	for _, tc := range tests {
		if got := IsAddressField(tc.t); got != tc.want {
			t.Errorf("IsAddressField(%v) = %v, want %v", tc.t, got, tc.want)
		}
	}
}
