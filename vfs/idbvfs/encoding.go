package idbvfs

import "encoding/binary"

// Key layout for the "blocks" object store of spec §4.C/§6:
//
//	blk:<path>\x00<offset:8 ordered><version:8 ordered>
//
// Ascending byte order on the encoded (offset, version) suffix matches
// ascending numeric order, including negative versions, so a forward
// range scan seeked to a given (offset, snapshot) returns the smallest
// version not newer than the snapshot first — see readBlock in
// blockstore.go for why that's the read-resolution rule spec §4.C
// needs for snapshot isolation.
const (
	prefixBlock    = "blk:"
	prefixMetadata = "meta:"
	prefixPurge    = "purge:"
)

func blockKeyPrefix(path string, offset int64) []byte {
	k := make([]byte, 0, len(prefixBlock)+len(path)+1+8)
	k = append(k, prefixBlock...)
	k = append(k, path...)
	k = append(k, 0)
	k = binary.BigEndian.AppendUint64(k, uint64(offset))
	return k
}

func blockKey(path string, offset, version int64) []byte {
	k := blockKeyPrefix(path, offset)
	return binary.BigEndian.AppendUint64(k, orderedEncode(version))
}

func pathBlockPrefix(path string) []byte {
	k := make([]byte, 0, len(prefixBlock)+len(path)+1)
	k = append(k, prefixBlock...)
	k = append(k, path...)
	k = append(k, 0)
	return k
}

func decodeOffsetVersion(key []byte, path string) (offset, version int64, ok bool) {
	prefix := pathBlockPrefix(path)
	if len(key) != len(prefix)+16 {
		return 0, 0, false
	}
	for i := range prefix {
		if key[i] != prefix[i] {
			return 0, 0, false
		}
	}
	offset = int64(binary.BigEndian.Uint64(key[len(prefix) : len(prefix)+8]))
	version = orderedDecode(binary.BigEndian.Uint64(key[len(prefix)+8:]))
	return offset, version, true
}

func metadataKey(path string) []byte {
	return []byte(prefixMetadata + path)
}

func purgeKey(path string) []byte {
	return []byte(prefixPurge + path)
}

// orderedEncode maps a signed version stamp to an unsigned 8-byte
// representation whose ascending byte order matches ascending integer
// order (flip the sign bit of the two's-complement representation).
func orderedEncode(v int64) uint64 {
	return uint64(v) ^ (1 << 63)
}

func orderedDecode(u uint64) int64 {
	return int64(u ^ (1 << 63))
}
