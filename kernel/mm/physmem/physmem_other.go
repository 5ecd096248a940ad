//go:build !(linux || darwin)

package physmem

func hostMap(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func hostUnmap(_ []byte) error {
	return nil
}

func hostDiscard(mem []byte) {
	clear(mem)
}
