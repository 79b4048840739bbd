package vad

import (
	"math"
	"testing"
)

func TestIntParam(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		params  map[string]any
		want    int
		wantErr bool
	}{
		{name: "absent", params: nil, want: 7},
		{name: "int", params: map[string]any{"mode": 2}, want: 2},
		{name: "int64", params: map[string]any{"mode": int64(3)}, want: 3},
		{name: "whole float", params: map[string]any{"mode": 1.0}, want: 1},
		{name: "fractional float", params: map[string]any{"mode": 1.5}, wantErr: true},
		{name: "string", params: map[string]any{"mode": "2"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := IntParam(tt.params, "mode", 7)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestClampScore(t *testing.T) {
	t.Parallel()
	tests := []struct{ in, want float64 }{
		{-0.5, 0}, {0.3, 0.3}, {1.2, 1}, {math.NaN(), 0},
	}
	for _, tt := range tests {
		if got := ClampScore(tt.in); got != tt.want {
			t.Errorf("ClampScore(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
