package distill

import (
	"testing"
	"time"

	"github.com/opencode-lore/lore/internal/temporal"
)

func msgsN(n int) []temporal.Message {
	out := make([]temporal.Message, n)
	for i := range out {
		out[i] = temporal.Message{ID: "m" + string(rune('a'+i)), CreatedAt: time.Now()}
	}
	return out
}

func TestSegmentSplitsAtMaxSegment(t *testing.T) {
	segs := segment(msgsN(120), 50)
	if len(segs) != 3 {
		t.Fatalf("len(segs) = %d, want 3 (50 + 50 + 20; a trailing 20 is not under 3, so it stays separate)", len(segs))
	}
	if len(segs[0]) != 50 || len(segs[1]) != 50 || len(segs[2]) != 20 {
		t.Errorf("segment sizes = %d, %d, %d; want 50, 50, 20", len(segs[0]), len(segs[1]), len(segs[2]))
	}
}

func TestSegmentMergesSmallTrailingSegment(t *testing.T) {
	// 50 + 2 trailing -> trailing segment (< 3) merges into previous.
	segs := segment(msgsN(52), 50)
	if len(segs) != 1 {
		t.Fatalf("len(segs) = %d, want 1 (trailing 2 merged into the only prior segment)", len(segs))
	}
	if len(segs[0]) != 52 {
		t.Errorf("merged segment size = %d, want 52", len(segs[0]))
	}
}

func TestSegmentKeepsNonTrivialTrailingSegment(t *testing.T) {
	segs := segment(msgsN(53), 50)
	if len(segs) != 2 {
		t.Fatalf("len(segs) = %d, want 2 (50 + 3, trailing segment of 3 stays separate)", len(segs))
	}
	if len(segs[1]) != 3 {
		t.Errorf("trailing segment size = %d, want 3", len(segs[1]))
	}
}

func TestSegmentEmpty(t *testing.T) {
	if segs := segment(nil, 50); segs != nil {
		t.Errorf("segment(nil) = %v, want nil", segs)
	}
}

func TestExtractObservationsWithTags(t *testing.T) {
	text := "preamble\n<observations>\n- did a thing\n</observations>\ntrailer"
	got := extractObservations(text)
	if got != "- did a thing" {
		t.Errorf("extractObservations() = %q", got)
	}
}

func TestExtractObservationsFallsBackToWholeText(t *testing.T) {
	text := "  just plain text, no tags  "
	if got := extractObservations(text); got != "just plain text, no tags" {
		t.Errorf("extractObservations() = %q", got)
	}
}
