package physmem

const discardZeroes = false
