// Package testutil provides test helpers and utilities for phototimer tests.
package testutil

import (
	"crypto/rand"
	"net"
	"time"
)

// RandomBytes generates cryptographically random bytes.
func RandomBytes(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

// SolidLumaFrame returns a W*H single-channel luma frame filled with value.
func SolidLumaFrame(w, h int, value uint8) []byte {
	frame := make([]byte, w*h)
	for i := range frame {
		frame[i] = value
	}
	return frame
}

// LumaFrameWithBand returns a W*H luma frame filled with bg, except rows
// [top,bottom) which are filled with fg. This stands in for a slit-camera
// frame where a runner's body occupies a contiguous vertical band.
func LumaFrameWithBand(w, h, top, bottom int, bg, fg uint8) []byte {
	frame := SolidLumaFrame(w, h, bg)
	if top < 0 {
		top = 0
	}
	if bottom > h {
		bottom = h
	}
	for y := top; y < bottom; y++ {
		for x := 0; x < w; x++ {
			frame[y*w+x] = fg
		}
	}
	return frame
}

// FreePort finds an available TCP port on 127.0.0.1, or returns 0 if none can
// be bound. No test in this module calls it.
func FreePort() int {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	if err != nil {
		return 0
	}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// WaitFor polls until condition is true or timeout.
func WaitFor(timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}
