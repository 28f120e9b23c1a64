package logger

import "testing"

func TestMaskIP(t *testing.T) {
	cases := map[string]string{
		"203.0.113.42":       "203.0.113.xxx",
		"203.0.113.42:51234": "203.0.113.xxx:51234",
		"2001:db8::1":        "***",
		"":                   "",
	}
	for in, want := range cases {
		if got := MaskIP(in); got != want {
			t.Errorf("MaskIP(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMaskID(t *testing.T) {
	if got := MaskID("c8a1b2c3-d4e5"); got != "c8a1***" {
		t.Errorf("MaskID = %q", got)
	}
	if got := MaskID("ab"); got != "***" {
		t.Errorf("short MaskID = %q", got)
	}
}

func TestRedactValueByKey(t *testing.T) {
	if got := redactValue("client_ip", "198.51.100.7"); got != "198.51.100.xxx" {
		t.Errorf("client_ip redaction = %q", got)
	}
	if got := redactValue("user_id", "user-12345"); got != "user***" {
		t.Errorf("user_id redaction = %q", got)
	}
	if got := redactValue("detail", "seen from 198.51.100.7 twice"); got != "seen from 198.51.100.xxx twice" {
		t.Errorf("embedded ip redaction = %q", got)
	}
}
