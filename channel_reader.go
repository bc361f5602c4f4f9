package dtacq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/lifdaq/dtacq/internal/getbytes"
)

// DefaultMaxRequestBytes bounds one channel request.
const DefaultMaxRequestBytes = 1 << 30

// ChannelReader pulls one channel's raw samples from a Device. It returns exactly the
// requested number of samples or an error; short data are never padded.
type ChannelReader struct {
	device          Device
	MaxRequestBytes int
	Timeout         time.Duration // per-channel deadline, if positive
}

// NewChannelReader returns a reader for dev with the default request bound and no timeout.
func NewChannelReader(dev Device) *ChannelReader {
	return &ChannelReader{device: dev, MaxRequestBytes: DefaultMaxRequestBytes}
}

// Read requests nsam samples of width bytes from channel ch. Samples 4 bytes wide are
// reduced to their most significant 16 bits.
func (cr *ChannelReader) Read(ctx context.Context, ch, nsam, width int) ([]int16, error) {
	if nsam <= 0 {
		return nil, fmt.Errorf("%s: sample count %d must be positive", ChannelName(ch), nsam)
	}
	if width != 2 && width != 4 {
		return nil, fmt.Errorf("%s: sample width %d bytes not supported (2 or 4)", ChannelName(ch), width)
	}
	nbytes := nsam * width
	if cr.MaxRequestBytes > 0 && nbytes > cr.MaxRequestBytes {
		return nil, fmt.Errorf("%s: request of %d bytes exceeds the %d byte bound",
			ChannelName(ch), nbytes, cr.MaxRequestBytes)
	}

	if cr.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cr.Timeout)
		defer cancel()
	}
	raw, err := cr.device.ReadChannel(ctx, ch, nsam, width)
	got := len(raw) / width
	if err != nil {
		kind := ErrReadShortfall
		if isTimeout(err) {
			kind = ErrReadTimeout
		}
		return nil, &ReadError{Channel: ch, Want: nsam, Got: got, Kind: kind, Err: err}
	}
	if len(raw) < nbytes {
		return nil, &ReadError{Channel: ch, Want: nsam, Got: got, Kind: ErrReadShortfall}
	}
	if len(raw) > nbytes {
		ProblemLogger.Printf("%s: device returned %d bytes, wanted %d; ignoring the excess",
			ChannelName(ch), len(raw), nbytes)
		raw = raw[:nbytes]
	}

	if width == 2 {
		return getbytes.ToSliceInt16(raw)
	}
	wide, err := getbytes.ToSliceInt32(raw)
	if err != nil {
		return nil, err
	}
	samples := make([]int16, len(wide))
	for i, w := range wide {
		samples[i] = int16(w >> 16)
	}
	return samples, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
