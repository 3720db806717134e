package notify

import (
	"testing"
	"time"
)

func TestSign(t *testing.T) {
	body := []byte(`{"flowId":"01H","vars":{"x":1}}`)

	sig := Sign("secret", 1736600000, body)
	if len(sig) != 64 {
		t.Errorf("signature length = %d, want 64", len(sig))
	}
	if sig != Sign("secret", 1736600000, body) {
		t.Error("signature is not deterministic")
	}
	if sig == Sign("secret", 1736600001, body) {
		t.Error("different timestamp should produce different signature")
	}
	if sig == Sign("secretx", 1736600000, body) {
		t.Error("different secret should produce different signature")
	}
}

func TestVerify(t *testing.T) {
	now := time.Unix(1736600000, 0)
	body := []byte(`{}`)
	sig := Sign("secret", now.Unix(), body)

	tests := []struct {
		name      string
		signature string
		timestamp int64
		wantErr   error
	}{
		{"valid", sig, now.Unix(), nil},
		{"tampered", sig[:63] + "0", now.Unix(), ErrInvalidSignature},
		{"too old", Sign("secret", now.Unix()-600, body), now.Unix() - 600, ErrReplayWindowExceeded},
		{"too new", Sign("secret", now.Unix()+600, body), now.Unix() + 600, ErrReplayWindowExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Verify("secret", tt.signature, tt.timestamp, body, DefaultReplayWindow, now)
			if err != tt.wantErr {
				t.Errorf("Verify() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestNextRetryDelay(t *testing.T) {
	for attempt, base := range retryDelays {
		lo := time.Duration(float64(base) * (1 - JitterFactor))
		hi := time.Duration(float64(base) * (1 + JitterFactor))
		for i := 0; i < 20; i++ {
			d := NextRetryDelay(attempt)
			if d < lo || d > hi {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempt, d, lo, hi)
			}
		}
	}

	last := retryDelays[len(retryDelays)-1]
	if d := NextRetryDelay(99); d > time.Duration(float64(last)*(1+JitterFactor)) {
		t.Errorf("delay past last attempt should be capped, got %v", d)
	}
	if d := NextRetryDelay(-1); d > time.Duration(float64(retryDelays[0])*(1+JitterFactor)) {
		t.Errorf("negative attempt should use first delay, got %v", d)
	}
}
