package monitoring

import (
	"sync"
	"testing"
)

func TestResourceReaderSampleBounds(t *testing.T) {
	r := newResourceReader("/")

	if got := r.cpuPercent(); got != 0 {
		t.Errorf("expected 0 cpu on first sample, got %f", got)
	}

	s := r.read()
	if s.CPUPercent < 0 || s.CPUPercent > 100 {
		t.Errorf("cpu percent out of range: %f", s.CPUPercent)
	}
	if s.MemoryPercent < 0 || s.MemoryPercent > 100 {
		t.Errorf("memory percent out of range: %f", s.MemoryPercent)
	}
	if s.DiskPercent < 0 || s.DiskPercent > 100 {
		t.Errorf("disk percent out of range: %f", s.DiskPercent)
	}
}

func TestResourceReaderConcurrentReads(t *testing.T) {
	r := newResourceReader("/")

	// The periodic sampler and the runtime-metrics endpoint read at the
	// same time; the cpu delta state must survive that.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s := r.read()
				if s.CPUPercent < 0 || s.CPUPercent > 100 {
					t.Errorf("cpu percent out of range: %f", s.CPUPercent)
					return
				}
			}
		}()
	}
	wg.Wait()
}
