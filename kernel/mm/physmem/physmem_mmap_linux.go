package physmem

const discardZeroes = true
