package launcher

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// stageSeccompBlob writes blob into an in-memory (or, failing that, unlinked
// temp-file) backing file and rewinds it so it can be handed to exec.Cmd's
// ExtraFiles: the child inherits it as the next sequential FD and bwrap's
// --seccomp reads the compiled filter from it directly, with nothing ever
// touching a named path on disk.
func stageSeccompBlob(blob []byte) (*os.File, error) {
	fd, err := unix.MemfdCreate("skeld-seccomp", unix.MFD_CLOEXEC)
	if err == nil {
		f := os.NewFile(uintptr(fd), "skeld-seccomp")
		if f == nil {
			_ = unix.Close(fd)

			return nil, errors.New("launcher: memfd_create returned an invalid fd")
		}

		if _, err := f.Write(blob); err != nil {
			_ = f.Close()

			return nil, err
		}

		if _, err := f.Seek(0, 0); err != nil {
			_ = f.Close()

			return nil, err
		}

		return f, nil
	}

	tempFile, tmpErr := os.CreateTemp("", "skeld-seccomp-*")
	if tmpErr != nil {
		return nil, errors.Join(err, tmpErr)
	}

	_ = os.Remove(tempFile.Name())

	if _, err := tempFile.Write(blob); err != nil {
		_ = tempFile.Close()

		return nil, err
	}

	if _, err := tempFile.Seek(0, 0); err != nil {
		_ = tempFile.Close()

		return nil, err
	}

	return tempFile, nil
}
