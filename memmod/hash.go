package memmod

import "debug/elf"

const (
	// fallbackSymbolCap bounds dynamic symbol scans when no hash table says
	// how many symbols there are.
	fallbackSymbolCap = 1000
	// implausibleSymbolCount is where a hash-derived count stops being trusted.
	implausibleSymbolCount = 1 << 20
)

// symbolCount returns the number of dynamic symbols, taken from DT_HASH or
// DT_GNU_HASH. ok is false when neither table yields a usable count.
func (img *Image) symbolCount(table dynamicTable) (uint64, bool) {
	if addr, ok := table.get(elf.DT_HASH); ok {
		if nchain, err := img.readUint32(VAddr(addr + 4)); err == nil && nchain > 0 && nchain < implausibleSymbolCount {
			return uint64(nchain), true
		}
	}
	if addr, ok := table.get(elf.DT_GNU_HASH); ok {
		if count, ok := img.gnuHashCount(VAddr(addr)); ok {
			return count, true
		}
	}
	return 0, false
}

// gnuHashCount walks the GNU hash table: the highest bucket gives the start
// of the last chain, and the chain ends at the first value with bit 0 set.
func (img *Image) gnuHashCount(addr VAddr) (uint64, bool) {
	nbuckets, err := img.readUint32(addr)
	if err != nil || nbuckets == 0 || nbuckets > implausibleSymbolCount {
		return 0, false
	}
	symoffset, err := img.readUint32(addr + 4)
	if err != nil {
		return 0, false
	}
	bloomSize, err := img.readUint32(addr + 8)
	if err != nil || bloomSize > implausibleSymbolCount {
		return 0, false
	}
	buckets := addr + 16 + VAddr(uint64(bloomSize)*img.wordSize())
	chains := buckets + VAddr(4*uint64(nbuckets))

	var last uint32
	for i := uint32(0); i < nbuckets; i++ {
		bucket, err := img.readUint32(buckets + VAddr(4*i))
		if err != nil {
			return 0, false
		}
		if bucket > last {
			last = bucket
		}
	}
	if last < symoffset {
		return uint64(symoffset), true
	}
	for sym := last; sym-symoffset < implausibleSymbolCount; sym++ {
		value, err := img.readUint32(chains + VAddr(4*uint64(sym-symoffset)))
		if err != nil {
			return 0, false
		}
		if value&1 != 0 {
			return uint64(sym) + 1, true
		}
	}
	return 0, false
}
