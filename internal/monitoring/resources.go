package monitoring

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// resourceReader samples cpu, memory, and disk utilization. CPU is computed
// as the delta between consecutive /proc/stat readings, so the first call
// reports zero. Safe for concurrent use: the sampler and the runtime-metrics
// endpoint both call read.
type resourceReader struct {
	diskPath string

	mu        sync.Mutex
	prevTotal int64
	prevIdle  int64
}

func newResourceReader(diskPath string) *resourceReader {
	if diskPath == "" {
		diskPath = "/"
	}
	return &resourceReader{diskPath: diskPath}
}

func (r *resourceReader) read() ResourceSample {
	return ResourceSample{
		CPUPercent:    r.cpuPercent(),
		MemoryPercent: memoryPercent(),
		DiskPercent:   diskPercent(r.diskPath),
	}
}

func (r *resourceReader) cpuPercent() float64 {
	total, idle, ok := readCPUTimes()
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	dTotal := total - r.prevTotal
	dIdle := idle - r.prevIdle
	first := r.prevTotal == 0
	r.prevTotal, r.prevIdle = total, idle
	if first || dTotal <= 0 {
		return 0
	}
	return 100 * float64(dTotal-dIdle) / float64(dTotal)
}

func readCPUTimes() (total, idle int64, ok bool) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, 0, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, 0, false
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, 0, false
	}
	for i, field := range fields[1:] {
		v, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return 0, 0, false
		}
		total += v
		if i == 3 { // idle column
			idle = v
		}
	}
	return total, idle, true
}

func memoryPercent() float64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer f.Close()

	var totalKB, availKB int64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB = v
		case "MemAvailable:":
			availKB = v
		}
		if totalKB > 0 && availKB > 0 {
			break
		}
	}
	if totalKB == 0 {
		return 0
	}
	return 100 * float64(totalKB-availKB) / float64(totalKB)
}

func diskPercent(path string) float64 {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0
	}
	total := st.Blocks * uint64(st.Bsize)
	if total == 0 {
		return 0
	}
	free := st.Bavail * uint64(st.Bsize)
	return 100 * float64(total-free) / float64(total)
}
