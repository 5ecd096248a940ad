//go:build linux || darwin

package physmem

import "golang.org/x/sys/unix"

func hostMap(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func hostUnmap(mem []byte) error {
	return unix.Munmap(mem)
}

// hostDiscard drops the pages backing mem. Private anonymous pages read back
// as zero afterwards; platforms that only treat the advice as a hint get an
// explicit clear.
func hostDiscard(mem []byte) {
	if err := unix.Madvise(mem, unix.MADV_DONTNEED); err != nil || !discardZeroes {
		clear(mem)
	}
}
