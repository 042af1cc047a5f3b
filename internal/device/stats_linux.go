//go:build linux

package device

import "golang.org/x/sys/unix"

// readSystemStats returns zeros for any figure the kernel refuses.
func readSystemStats(diskPath string) systemStats {
	var out systemStats

	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err == nil {
		unit := uint64(info.Unit)
		if unit == 0 {
			unit = 1
		}
		out.totalMemory = uint64(info.Totalram) * unit
		out.availableMemory = (uint64(info.Freeram) + uint64(info.Bufferram)) * unit
	}

	var fs unix.Statfs_t
	if err := unix.Statfs(diskPath, &fs); err == nil {
		out.totalDisk = fs.Blocks * uint64(fs.Bsize)
		out.availableDisk = fs.Bavail * uint64(fs.Bsize)
	}
	return out
}
