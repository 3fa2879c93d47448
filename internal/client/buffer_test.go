package client

import (
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/afroash/aerogrow/internal/models"
)

func nutrientReading(level float64) models.ReadingMessage {
	return models.ReadingMessage{
		DeviceID:  "esp32-01",
		Timestamp: time.Now(),
		Metrics:   map[models.Metric]float64{models.MetricNutrientLevel: level},
	}
}

// levels extracts the nutrient level of each reading, in order
func levels(rs []models.ReadingMessage) []float64 {
	out := make([]float64, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.Metrics[models.MetricNutrientLevel])
	}
	return out
}

func fill(buf *ReadingBuffer, from, to int) {
	for i := from; i < to; i++ {
		buf.Push(nutrientReading(float64(i)))
	}
}

func TestReadingBuffer_Overflow(t *testing.T) {
	tests := []struct {
		name        string
		dropOldest  bool
		pushes      int
		wantLevels  []float64
		wantDropped int64
		wantPushed  int64
		lastPushOK  bool
	}{
		{"under capacity", true, 2, []float64{0, 1}, 0, 2, true},
		{"exactly full", false, 3, []float64{0, 1, 2}, 0, 3, true},
		{"overwrite oldest", true, 5, []float64{2, 3, 4}, 2, 5, true},
		{"refuse newest", false, 5, []float64{0, 1, 2}, 2, 3, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := NewReadingBuffer(3, tt.dropOldest)
			var ok bool
			for i := 0; i < tt.pushes; i++ {
				ok = buf.Push(nutrientReading(float64(i)))
			}
			if ok != tt.lastPushOK {
				t.Errorf("last Push = %v, want %v", ok, tt.lastPushOK)
			}

			stats := buf.Stats()
			if stats.TotalDropped != tt.wantDropped || stats.TotalPushed != tt.wantPushed {
				t.Errorf("stats pushed/dropped = %d/%d, want %d/%d",
					stats.TotalPushed, stats.TotalDropped, tt.wantPushed, tt.wantDropped)
			}
			if tt.wantDropped > 0 && stats.LastDropTime.IsZero() {
				t.Error("LastDropTime not recorded")
			}
			if got := levels(buf.PopBatch(10)); !reflect.DeepEqual(got, tt.wantLevels) {
				t.Errorf("drained %v, want %v", got, tt.wantLevels)
			}
			if !buf.IsEmpty() {
				t.Errorf("Size = %d after draining", buf.Size())
			}
		})
	}
}

func TestReadingBuffer_PeekLeavesContents(t *testing.T) {
	buf := NewReadingBuffer(8, true)
	fill(buf, 0, 5)

	if got := levels(buf.Peek(2)); !reflect.DeepEqual(got, []float64{0, 1}) {
		t.Errorf("Peek(2) = %v", got)
	}
	if got := levels(buf.Peek(50)); len(got) != 5 {
		t.Errorf("Peek(50) returned %d readings, want 5", len(got))
	}
	if buf.Peek(0) != nil || buf.PopBatch(-1) != nil {
		t.Error("non-positive counts should return nil")
	}
	if buf.Size() != 5 {
		t.Errorf("Size = %d after peeking, want 5", buf.Size())
	}
}

func TestReadingBuffer_BatchSpansSeam(t *testing.T) {
	buf := NewReadingBuffer(5, true)

	// move head to slot 3, then refill so the contents wrap past the end of the ring
	fill(buf, 0, 3)
	buf.PopBatch(3)
	fill(buf, 3, 8)

	if !buf.IsFull() {
		t.Fatalf("Size = %d, want full ring", buf.Size())
	}
	if got := levels(buf.PopBatch(4)); !reflect.DeepEqual(got, []float64{3, 4, 5, 6}) {
		t.Errorf("first batch = %v", got)
	}

	// an overwrite with head in the middle of the ring keeps order
	fill(buf, 8, 13)
	if got := levels(buf.PopBatch(5)); !reflect.DeepEqual(got, []float64{8, 9, 10, 11, 12}) {
		t.Errorf("after overwrite = %v", got)
	}
	if dropped := buf.Stats().TotalDropped; dropped != 1 {
		t.Errorf("TotalDropped = %d, want 1", dropped)
	}
}

func TestReadingBuffer_InterleavedTraffic(t *testing.T) {
	buf := NewReadingBuffer(4, true)

	// three in, two out per cycle; the ring must always hold the newest Size() readings
	next := 0
	for cycle := 0; cycle < 6; cycle++ {
		fill(buf, next, next+3)
		next += 3
		oldest := float64(next - buf.Size())
		got := levels(buf.PopBatch(2))
		if want := []float64{oldest, oldest + 1}; !reflect.DeepEqual(got, want) {
			t.Fatalf("cycle %d: popped %v, want %v", cycle, got, want)
		}
	}
	if buf.Stats().TotalDropped == 0 {
		t.Error("a full ring should have overwritten at least once")
	}
}

func TestReadingBuffer_ClearResetsRing(t *testing.T) {
	buf := NewReadingBuffer(4, true)
	fill(buf, 0, 6)
	buf.PopBatch(1)

	buf.Clear()

	stats := buf.Stats()
	if !buf.IsEmpty() || stats.TotalPushed != 0 || stats.TotalDropped != 0 {
		t.Errorf("after Clear: size %d, stats %+v", buf.Size(), stats)
	}
	if stats.HighWaterMark != 4 {
		t.Errorf("HighWaterMark = %d, want 4 kept across Clear", stats.HighWaterMark)
	}

	fill(buf, 100, 102)
	if got := levels(buf.Peek(4)); !reflect.DeepEqual(got, []float64{100, 101}) {
		t.Errorf("after refill = %v", got)
	}
}

func TestReadingBuffer_SingleSlot(t *testing.T) {
	buf := NewReadingBuffer(0, true)
	if buf.Capacity() != 1 {
		t.Fatalf("Capacity = %d, want 1", buf.Capacity())
	}
	fill(buf, 1, 4)
	if got := levels(buf.PopBatch(5)); !reflect.DeepEqual(got, []float64{3}) {
		t.Errorf("PopBatch = %v, want only the newest reading", got)
	}
}

func TestReadingBuffer_String(t *testing.T) {
	buf := NewReadingBuffer(2, false)
	fill(buf, 0, 3)
	if got := buf.String(); !strings.Contains(got, "2/2") || !strings.Contains(got, "dropped: 1") || !strings.Contains(got, "drop-newest") {
		t.Errorf("String() = %q", got)
	}
}

func TestReadingBuffer_ConcurrentUse(t *testing.T) {
	buf := NewReadingBuffer(64, true)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(2)
		go func(w int) {
			defer wg.Done()
			fill(buf, w*100, w*100+100)
		}(w)
		go func() {
			defer wg.Done()
			for i := 0; i < 40; i++ {
				buf.PopBatch(5)
				buf.Peek(3)
				buf.Stats()
			}
		}()
	}
	wg.Wait()

	if buf.Size() > buf.Capacity() {
		t.Errorf("Size %d exceeds capacity %d", buf.Size(), buf.Capacity())
	}
	if pushed := buf.Stats().TotalPushed; pushed != 800 {
		t.Errorf("TotalPushed = %d, want 800", pushed)
	}
}

func BenchmarkReadingBuffer_Push(b *testing.B) {
	buf := NewReadingBuffer(1024, true)
	r := nutrientReading(640)
	for i := 0; i < b.N; i++ {
		buf.Push(r)
	}
}
