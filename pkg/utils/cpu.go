package utils

import (
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
)

// CheckCPUUsage reports whether the system-wide CPU usage is at or below
// maxCPUUsage. A failed sample is treated as busy.
func CheckCPUUsage(maxCPUUsage float64) (bool, float64) {
	usage, err := cpu.Percent(0, false)
	if err != nil || len(usage) == 0 {
		return false, 0
	}
	return usage[0] <= maxCPUUsage, usage[0]
}

// FreeRAMRatio returns available memory as a fraction of total memory.
func FreeRAMRatio() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	if vm.Total == 0 {
		return 0, nil
	}
	return float64(vm.Available) / float64(vm.Total), nil
}
