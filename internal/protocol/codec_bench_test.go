package protocol

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"testing"
)

// BenchmarkWriteMessage measures frame serialization for typical body sizes.
// 16 KiB approximates a hex-encoded 8 KiB download chunk.
func BenchmarkWriteMessage(b *testing.B) {
	sizes := []int{64, 512, 4096, 16384}

	for _, size := range sizes {
		b.Run(fmt.Sprintf("body=%d", size), func(b *testing.B) {
			b.ReportAllocs()

			raw := make([]byte, size/2)
			for i := range raw {
				raw[i] = byte(i % 256)
			}
			msg, err := New(TypeDownloadChunk, DownloadChunk{Offset: 0, Data: hex.EncodeToString(raw)})
			if err != nil {
				b.Fatal(err)
			}

			var buf bytes.Buffer
			b.ResetTimer()
			for b.Loop() {
				buf.Reset()
				if err := WriteMessage(&buf, msg); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkReadMessage measures frame parsing including body validation.
func BenchmarkReadMessage(b *testing.B) {
	sizes := []int{64, 512, 4096, 16384}

	for _, size := range sizes {
		b.Run(fmt.Sprintf("body=%d", size), func(b *testing.B) {
			b.ReportAllocs()

			raw := make([]byte, size/2)
			for i := range raw {
				raw[i] = byte(i % 256)
			}
			msg, err := New(TypeDownloadChunk, DownloadChunk{Offset: 0, Data: hex.EncodeToString(raw)})
			if err != nil {
				b.Fatal(err)
			}

			var frame bytes.Buffer
			if err := WriteMessage(&frame, msg); err != nil {
				b.Fatal(err)
			}
			wire := frame.Bytes()

			b.ResetTimer()
			for b.Loop() {
				if _, err := ReadMessage(bytes.NewReader(wire)); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
