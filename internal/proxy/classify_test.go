package proxy

import (
	"context"
	"errors"
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		want   Outcome
	}{
		{200, OutcomeSuccess},
		{201, OutcomeSuccess},
		{302, OutcomeSuccess},
		{429, OutcomeTransient},
		{500, OutcomeTransient},
		{524, OutcomeTransient},
		{400, OutcomePermanent},
		{401, OutcomePermanent},
		{404, OutcomePermanent},
		{502, OutcomePermanent},
	}
	for _, tc := range cases {
		if got := classifyStatus(tc.status); got != tc.want {
			t.Errorf("classifyStatus(%d) = %d, want %d", tc.status, got, tc.want)
		}
	}
}

func TestIsTransportFailure(t *testing.T) {
	if isTransportFailure(nil) {
		t.Error("nil error classified as transport failure")
	}
	if !isTransportFailure(context.DeadlineExceeded) {
		t.Error("deadline exceeded should count as transport failure")
	}
	if isTransportFailure(context.Canceled) {
		t.Error("cancellation must not penalize the account")
	}
	if !isTransportFailure(errors.New("connection reset by peer")) {
		t.Error("wire error should count as transport failure")
	}
}
