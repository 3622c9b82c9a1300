// Command libfsgate builds the gate as a C shared library:
//
//	go build -buildmode=c-shared -o libfsgate.so ./cmd/libfsgate
//
// The exported functions keep the legacy C ABI. Input strings stay owned by
// the caller and may be NULL, which is treated as the empty string. The
// string returned by safe_read_file is allocated with malloc and must be
// released with free_string.
package main

/*
#include <stdlib.h>
*/
import "C"

import (
	"unsafe"

	"github.com/thegrumpylion/fsgate/internal/boundary"
	"github.com/thegrumpylion/fsgate/internal/gate"
)

// goString copies a C string. NULL becomes "".
func goString(s *C.char) string {
	if s == nil {
		return ""
	}
	return C.GoString(s)
}

//export safe_write_file
func safe_write_file(root, filename, content *C.char) C.int {
	return C.int(boundary.LegacyWrite(gate.Default, goString(root), goString(filename), goString(content)))
}

//export safe_read_file
func safe_read_file(root, filename *C.char) *C.char {
	return C.CString(boundary.LegacyRead(gate.Default, goString(root), goString(filename)))
}

//export free_string
func free_string(s *C.char) {
	if s != nil {
		C.free(unsafe.Pointer(s))
	}
}

func main() {}
