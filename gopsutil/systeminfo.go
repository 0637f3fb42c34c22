// Package gopsutil collects host OS information through the gopsutil
// library.
package gopsutil

import (
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/featurebasedb/dbtx"
)

var _ dbtx.SystemInfo = NewSystemInfo()

// SystemInfo is an implementation of dbtx.SystemInfo that uses gopsutil to
// collect information about the host OS. Results are cached after the first
// call; the values it reports don't change over a process lifetime at the
// granularity anyone cares about.
type SystemInfo struct {
	hostInfo  *host.InfoStat
	memInfo   *mem.VirtualMemoryStat
	platform  string
	family    string
	osVersion string
}

// NewSystemInfo is a constructor for the gopsutil implementation of
// SystemInfo.
func NewSystemInfo() *SystemInfo {
	return &SystemInfo{}
}

// Uptime returns the system uptime in seconds.
func (s *SystemInfo) Uptime() (uptime uint64, err error) {
	if s.hostInfo == nil {
		s.hostInfo, err = host.Info()
		if err != nil {
			return 0, err
		}
	}
	return s.hostInfo.Uptime, nil
}

// Platform returns the system platform.
func (s *SystemInfo) Platform() (string, error) {
	err := s.collectPlatformInfo()
	if err != nil {
		return "", err
	}
	return s.platform, nil
}

// Family returns the system family.
func (s *SystemInfo) Family() (string, error) {
	err := s.collectPlatformInfo()
	if err != nil {
		return "", err
	}
	return s.family, nil
}

// OSVersion returns the OS version.
func (s *SystemInfo) OSVersion() (string, error) {
	err := s.collectPlatformInfo()
	if err != nil {
		return "", err
	}
	return s.osVersion, nil
}

// KernelVersion returns the kernel version as a string.
func (s *SystemInfo) KernelVersion() (string, error) {
	return host.KernelVersion()
}

// MemFree returns the amount of free memory in bytes.
func (s *SystemInfo) MemFree() (uint64, error) {
	err := s.collectMemoryInfo()
	if err != nil {
		return 0, err
	}
	return s.memInfo.Free, nil
}

// MemTotal returns the amount of total memory in bytes.
func (s *SystemInfo) MemTotal() (uint64, error) {
	err := s.collectMemoryInfo()
	if err != nil {
		return 0, err
	}
	return s.memInfo.Total, nil
}

// MemUsed returns the amount of used memory in bytes.
func (s *SystemInfo) MemUsed() (uint64, error) {
	err := s.collectMemoryInfo()
	if err != nil {
		return 0, err
	}
	return s.memInfo.Used, nil
}

// collectPlatformInfo fetches and caches system platform information.
func (s *SystemInfo) collectPlatformInfo() error {
	var err error
	if s.platform == "" {
		s.platform, s.family, s.osVersion, err = host.PlatformInformation()
		if err != nil {
			return err
		}
	}
	return nil
}

// collectMemoryInfo fetches and caches memory stats.
func (s *SystemInfo) collectMemoryInfo() (err error) {
	if s.memInfo == nil {
		s.memInfo, err = mem.VirtualMemory()
		if err != nil {
			return err
		}
	}
	return nil
}
