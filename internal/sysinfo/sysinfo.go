// Package sysinfo captures host information for the /debug/sysinfo
// endpoint, useful when several coordinator instances behind a load
// balancer need to be told apart during an incident.
package sysinfo

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// Info describes the host the coordinator process is running on.
type Info struct {
	OS               string `json:"os"`
	Arch             string `json:"arch"`
	OSVersion        string `json:"os_version"`
	Hostname         string `json:"hostname"`
	GoVersion        string `json:"go_version"`
	CPULogical       int    `json:"cpu_logical"`
	CPUCores         int    `json:"cpu_cores"`
	TotalMemoryMB    uint64 `json:"total_memory_mb"`
	InContainer      bool   `json:"in_container"`
	ContainerRuntime string `json:"container_runtime,omitempty"`
}

// Capture gathers the current host's system information.
func Capture() *Info {
	info := &Info{
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		CPULogical: runtime.NumCPU(),
		GoVersion:  runtime.Version(),
	}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	} else {
		info.Hostname = "unknown"
	}

	info.InContainer, info.ContainerRuntime = detectContainer()
	info.OSVersion = getOSVersion()
	info.CPUCores = getPhysicalCores()
	info.TotalMemoryMB = getTotalMemory()

	return info
}

func detectContainer() (bool, string) {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true, "docker"
	}
	if _, err := os.Stat("/var/run/secrets/kubernetes.io"); err == nil {
		return true, "kubernetes"
	}
	if data, err := os.ReadFile("/proc/1/cgroup"); err == nil {
		content := string(data)
		switch {
		case strings.Contains(content, "docker"):
			return true, "docker"
		case strings.Contains(content, "kubepods"):
			return true, "kubernetes"
		case strings.Contains(content, "containerd"):
			return true, "containerd"
		}
	}
	return false, ""
}

func getOSVersion() string {
	switch runtime.GOOS {
	case "linux":
		return getLinuxVersion()
	case "darwin":
		return getMacOSVersion()
	case "windows":
		return getWindowsVersion()
	default:
		return "unknown"
	}
}

func getLinuxVersion() string {
	if data, err := os.ReadFile("/etc/os-release"); err == nil {
		var name, version string
		for _, line := range strings.Split(string(data), "\n") {
			switch {
			case strings.HasPrefix(line, "PRETTY_NAME="):
				return strings.Trim(strings.TrimPrefix(line, "PRETTY_NAME="), "\"")
			case strings.HasPrefix(line, "NAME="):
				name = strings.Trim(strings.TrimPrefix(line, "NAME="), "\"")
			case strings.HasPrefix(line, "VERSION="):
				version = strings.Trim(strings.TrimPrefix(line, "VERSION="), "\"")
			}
		}
		if name != "" && version != "" {
			return name + " " + version
		}
		if name != "" {
			return name
		}
	}

	if out, err := exec.Command("uname", "-r").Output(); err == nil {
		return "Linux " + strings.TrimSpace(string(out))
	}
	return "Linux (unknown)"
}

func getMacOSVersion() string {
	if out, err := exec.Command("sw_vers", "-productVersion").Output(); err == nil {
		version := strings.TrimSpace(string(out))
		if name, err := exec.Command("sw_vers", "-productName").Output(); err == nil {
			return strings.TrimSpace(string(name)) + " " + version
		}
		return "macOS " + version
	}
	if out, err := exec.Command("uname", "-r").Output(); err == nil {
		return "macOS " + strings.TrimSpace(string(out))
	}
	return "macOS (unknown)"
}

func getWindowsVersion() string {
	if out, err := exec.Command("cmd", "/c", "ver").Output(); err == nil {
		return strings.TrimSpace(string(out))
	}
	return "Windows (unknown)"
}

func getPhysicalCores() int {
	switch runtime.GOOS {
	case "linux":
		return getLinuxPhysicalCores()
	case "darwin":
		return getMacOSPhysicalCores()
	default:
		return runtime.NumCPU()
	}
}

func getLinuxPhysicalCores() int {
	if out, err := exec.Command("lscpu", "-p=Core").Output(); err == nil {
		coreSet := make(map[string]bool)
		for _, line := range strings.Split(string(out), "\n") {
			line = strings.TrimSpace(line)
			if line != "" && !strings.HasPrefix(line, "#") {
				coreSet[line] = true
			}
		}
		if len(coreSet) > 0 {
			return len(coreSet)
		}
	}

	if data, err := os.ReadFile("/proc/cpuinfo"); err == nil {
		coreIDs := make(map[string]bool)
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(line, "core id") {
				if parts := strings.Split(line, ":"); len(parts) == 2 {
					coreIDs[strings.TrimSpace(parts[1])] = true
				}
			}
		}
		if len(coreIDs) > 0 {
			return len(coreIDs)
		}
	}
	return runtime.NumCPU()
}

func getMacOSPhysicalCores() int {
	if out, err := exec.Command("sysctl", "-n", "hw.physicalcpu").Output(); err == nil {
		var cores int
		if _, err := fmt.Sscanf(strings.TrimSpace(string(out)), "%d", &cores); err == nil && cores > 0 {
			return cores
		}
	}
	return runtime.NumCPU()
}

func getTotalMemory() uint64 {
	switch runtime.GOOS {
	case "linux":
		return getLinuxMemory()
	case "darwin":
		return getMacOSMemory()
	default:
		return 0
	}
}

func getLinuxMemory() uint64 {
	if data, err := os.ReadFile("/proc/meminfo"); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(line, "MemTotal:") {
				fields := strings.Fields(line)
				if len(fields) >= 2 {
					var memKB uint64
					if _, err := fmt.Sscanf(fields[1], "%d", &memKB); err == nil {
						return memKB / 1024
					}
				}
			}
		}
	}
	return 0
}

func getMacOSMemory() uint64 {
	if out, err := exec.Command("sysctl", "-n", "hw.memsize").Output(); err == nil {
		var memBytes uint64
		if _, err := fmt.Sscanf(strings.TrimSpace(string(out)), "%d", &memBytes); err == nil {
			return memBytes / 1024 / 1024
		}
	}
	return 0
}
