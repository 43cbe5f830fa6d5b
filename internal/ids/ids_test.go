package ids

import (
	"testing"
	"time"
)

func TestNewIsSortable(t *testing.T) {
	prev := New()
	for i := 0; i < 1000; i++ {
		next := New()
		if next <= prev {
			t.Fatalf("ids not increasing: %s then %s", prev, next)
		}
		prev = next
	}
}

func TestTimeRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	got, ok := Time(NewAt(at))
	if !ok || !got.Equal(at) {
		t.Fatalf("Time() = %v, %v; want %v", got, ok, at)
	}
	if _, ok := Time("not-a-ulid"); ok {
		t.Fatalf("expected parse failure")
	}
}
