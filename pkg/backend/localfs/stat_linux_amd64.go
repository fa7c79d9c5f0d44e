package localfs

import (
	"os"
	"syscall"
)

func devInoOf(fi os.FileInfo) (devIno, bool) {
	sd, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return devIno{}, false
	}
	return devIno{dev: uint64(sd.Dev), ino: uint64(sd.Ino)}, true
}

func statLinks(fi os.FileInfo) (uint32, bool) {
	sd, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return uint32(sd.Nlink), true
}
