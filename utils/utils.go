package utils

import (
	"encoding/binary"
	"math/rand"
)

func Uint64ToBytes(i uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], i)
	return buf[:]
}

func BytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// Int64ToBytes encodes a signed id (two's complement, big endian)
func Int64ToBytes(i int64) []byte {
	return Uint64ToBytes(uint64(i))
}

func BytesToInt64(b []byte) int64 {
	return int64(BytesToUint64(b))
}

// RandString returns random string with length n
func RandString(n int) string {
	var letter = []rune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")
	b := make([]rune, n)
	for i := range b {
		b[i] = letter[rand.Intn(len(letter))]
	}
	return string(b)
}
