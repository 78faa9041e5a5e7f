package protocol

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsFatalClassifiesWrappedErrors(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{fmt.Errorf("%w: stream ended", ErrTransport), true},
		{fmt.Errorf("%w: unknown reply id 7", ErrIntegrity), true},
		{fmt.Errorf("%w: %w", ErrConnectionClosed, errors.New("eof")), true},
		{fmt.Errorf("%w: bad tag", ErrDecode), false},
		{fmt.Errorf("%w: unknown sink", ErrUsage), false},
	}
	for _, tc := range cases {
		if got := IsFatal(tc.err); got != tc.want {
			t.Fatalf("IsFatal(%v) got=%v want=%v", tc.err, got, tc.want)
		}
	}
}
