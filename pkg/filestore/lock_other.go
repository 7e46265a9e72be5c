//go:build !unix

package filestore

import "os"

func lockShared(*os.File) func() { return func() {} }

func lockExclusive(*os.File) func() { return func() {} }
