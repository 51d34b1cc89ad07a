package appointment

import (
	"context"
	"fmt"
	"time"
)

// CodeGenerator mints human-readable appointment codes. Injected into the
// service so no component reaches for global mutable state.
type CodeGenerator interface {
	Next(ctx context.Context, day time.Time) (string, error)
}

// seqCodeGenerator formats APT-YYYYMMDD-NNNN from the per-day counter table.
// The counter increments inside the booking transaction, so concurrent
// bookings on the same day never collide.
type seqCodeGenerator struct {
	seq CodeSequence
}

func NewCodeGenerator(seq CodeSequence) CodeGenerator {
	return &seqCodeGenerator{seq: seq}
}

func (g *seqCodeGenerator) Next(ctx context.Context, day time.Time) (string, error) {
	n, err := g.seq.NextValue(ctx, day)
	if err != nil {
		return "", fmt.Errorf("advance code sequence: %w", err)
	}
	return fmt.Sprintf("APT-%s-%04d", day.Format("20060102"), n), nil
}
