package domain

import (
	"math"
	"testing"
)

func TestSoftmax(t *testing.T) {
	probs := Softmax([]float64{1, 2, 3})
	if len(probs) != 3 {
		t.Fatalf("want 3 probabilities, got %d", len(probs))
	}
	var sum float64
	for _, p := range probs {
		sum += p
	}
	if math.Abs(sum-1) > 1e-12 {
		t.Errorf("want sum=1, got %v", sum)
	}
	if !(probs[2] > probs[1] && probs[1] > probs[0]) {
		t.Errorf("want increasing probabilities, got %v", probs)
	}

	// 大きな値でもオーバーフローしない
	probs = Softmax([]float64{1000, 1000})
	if math.Abs(probs[0]-0.5) > 1e-12 {
		t.Errorf("want 0.5, got %v", probs[0])
	}

	if Softmax(nil) != nil {
		t.Error("want nil for empty input")
	}
}

func TestArgmax(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   int
	}{
		{"empty", nil, -1},
		{"single", []float64{-3}, 0},
		{"last", []float64{1, 2, 3}, 2},
		{"tie keeps first", []float64{5, 1, 5}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Argmax(tt.values); got != tt.want {
				t.Errorf("want %d, got %d", tt.want, got)
			}
		})
	}
}

func TestLabelFor(t *testing.T) {
	logits := make([]float64, len(EmotionLabels))
	logits[3] = 2
	if got := LabelFor(logits); got != "Happy" {
		t.Errorf("want Happy, got %s", got)
	}
	if got := LabelFor([]float64{1, 2}); got != "" {
		t.Errorf("want empty label for wrong length, got %s", got)
	}
}

func TestKeyPair_Validate(t *testing.T) {
	var nilPair *KeyPair
	if err := nilPair.Validate(); err != ErrInvalidKeyPair {
		t.Errorf("want ErrInvalidKeyPair for nil, got %v", err)
	}
	if err := (&KeyPair{PublicKey: "public-"}).Validate(); err != ErrInvalidKeyPair {
		t.Errorf("want ErrInvalidKeyPair for empty key id, got %v", err)
	}
	if err := (&KeyPair{KeyID: "key-1"}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if got := (&KeyPair{KeyID: "key-1"}).SchemeOrDefault(); got != SchemeStub {
		t.Errorf("want stub scheme by default, got %s", got)
	}
}

func TestTransportError(t *testing.T) {
	err := NewTransportError(500, "server error")
	if err.Error() != "server error" {
		t.Errorf("want body as message, got %q", err.Error())
	}
	err = NewTransportError(502, "")
	if err.Error() != "Request failed with status 502" {
		t.Errorf("want generic status message, got %q", err.Error())
	}
}
