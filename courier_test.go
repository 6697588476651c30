package courier

import (
	"errors"
	"testing"
)

func TestParseChannel(t *testing.T) {
	cases := []struct {
		in      string
		want    Channel
		wantErr bool
	}{
		{in: "whatsapp", want: ChannelWhatsApp},
		{in: " Telegram ", want: ChannelTelegram},
		{in: "WHATSAPP", want: ChannelWhatsApp},
		{in: "sms", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseChannel(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseChannel(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseChannel(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseChannel(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestValidateRecipient(t *testing.T) {
	if err := ValidateRecipient("+5511999999999"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if err := ValidateRecipient("   "); !errors.Is(err, ErrMissingRecipient) {
		t.Fatalf("expected ErrMissingRecipient, got %v", err)
	}
}

func TestChannelErrorMessage(t *testing.T) {
	err := &ChannelError{Channel: ChannelWhatsApp, Status: 401, Code: "190", Message: "token expired"}
	want := "whatsapp api error status=401 code=190: token expired"
	if err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
	bare := &ChannelError{Channel: ChannelTelegram, Status: 502, Message: "bad gateway"}
	if bare.Error() != "telegram api error status=502: bad gateway" {
		t.Fatalf("unexpected message %q", bare.Error())
	}
}
