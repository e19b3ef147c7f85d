package main

import (
	"encoding/binary"
	"math"
	"os"
)

func writeHeights(path string, heights []float32) error {
	buf := make([]byte, 4*len(heights))
	for i, h := range heights {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(h))
	}
	return os.WriteFile(path, buf, 0o644)
}
