//go:build windows

package registry

import "os"

// Cross-process locking is not implemented on windows; the in-process
// mutex still serialises a single supervisor.
func lockFile(*os.File) error   { return nil }
func unlockFile(*os.File) error { return nil }
