// Package usage samples CPU, memory and disk utilization and reports
// them both to the control plane and to the local Prometheus metrics
// endpoint.
//
// Grounded on original_source/usage.py, which averaged several
// psutil.cpu_percent(interval=1) samples per report and read disk
// usage via shutil.disk_usage. This package reads /proc/stat and
// /proc/meminfo directly and calls golang.org/x/sys/unix.Statfs for
// disk, since nothing in the retrieved pack depends on a system-
// metrics library.
package usage

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/splightplatform/splight-agent/internal/metrics"
	"github.com/splightplatform/splight-agent/internal/model"
)

// Reporter samples system usage on a fixed interval and publishes it.
type Reporter struct {
	node     *model.ComputeNode
	interval time.Duration
	samples  int
	logger   zerolog.Logger
}

// New builds a Reporter that reports every interval, averaging
// samples one-second CPU readings per report.
func New(node *model.ComputeNode, interval time.Duration, samples int, logger zerolog.Logger) *Reporter {
	if samples < 1 {
		samples = 1
	}
	return &Reporter{node: node, interval: interval, samples: samples, logger: logger.With().Str("component", "usage").Logger()}
}

// Run blocks, sampling and reporting until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reportOnce(ctx)
		}
	}
}

func (r *Reporter) reportOnce(ctx context.Context) {
	cpu, err := r.sampleCPUPercent(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to sample cpu usage")
	}
	mem, err := sampleMemoryPercent()
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to sample memory usage")
	}
	disk, err := sampleDiskPercent("/")
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to sample disk usage")
	}

	metrics.CPUPercent.Set(cpu)
	metrics.MemoryPercent.Set(mem)
	metrics.DiskPercent.Set(disk)

	if err := r.node.SaveUsage(ctx, cpu, mem, disk); err != nil {
		r.logger.Warn().Err(err).Msg("failed to publish usage sample")
	}
}

type cpuStat struct {
	total, idle float64
}

func readCPUStat() (cpuStat, error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return cpuStat{}, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return cpuStat{}, fmt.Errorf("empty /proc/stat")
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return cpuStat{}, fmt.Errorf("unexpected /proc/stat format")
	}

	var total float64
	var idle float64
	for i, f := range fields[1:] {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			continue
		}
		total += v
		if i == 3 { // idle column
			idle = v
		}
	}
	return cpuStat{total: total, idle: idle}, nil
}

// sampleCPUPercent averages r.samples one-second deltas of
// /proc/stat's aggregate cpu line, mirroring the original's
// cpu_percent_samples loop.
func (r *Reporter) sampleCPUPercent(ctx context.Context) (float64, error) {
	var sum float64
	for i := 0; i < r.samples; i++ {
		before, err := readCPUStat()
		if err != nil {
			return 0, err
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(time.Second):
		}

		after, err := readCPUStat()
		if err != nil {
			return 0, err
		}

		totalDelta := after.total - before.total
		idleDelta := after.idle - before.idle
		if totalDelta <= 0 {
			continue
		}
		sum += (totalDelta - idleDelta) / totalDelta * 100
	}
	return sum / float64(r.samples), nil
}

func sampleMemoryPercent() (float64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var total, available float64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch strings.TrimSuffix(fields[0], ":") {
		case "MemTotal":
			total = v
		case "MemAvailable":
			available = v
		}
	}
	if total == 0 {
		return 0, fmt.Errorf("could not read MemTotal")
	}
	return (total - available) / total * 100, nil
}

func sampleDiskPercent(path string) (float64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	total := float64(stat.Blocks) * float64(stat.Bsize)
	free := float64(stat.Bavail) * float64(stat.Bsize)
	if total == 0 {
		return 0, fmt.Errorf("statfs reported zero total blocks")
	}
	return (total - free) / total * 100, nil
}
