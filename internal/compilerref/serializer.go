package compilerref

import (
	"crypto/md5"
	"encoding/binary"

	"github.com/edgedb/dbview/internal/stateserializer"
)

// newReferenceSerializer builds the gob-based stateserializer.Serializer,
// keying its type id off the protocol version so a client that upgrades
// protocol versions mid-connection is made to fetch a fresh state
// descriptor rather than silently reusing a stale one.
func newReferenceSerializer(protocolVersion [2]uint16) *stateserializer.Serializer {
	var buf [4]byte
	binary.BigEndian.PutUint16(buf[0:2], protocolVersion[0])
	binary.BigEndian.PutUint16(buf[2:4], protocolVersion[1])
	typeID := md5.Sum(buf[:])
	return stateserializer.New(typeID)
}
