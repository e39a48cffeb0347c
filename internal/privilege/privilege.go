package privilege

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"runtime"
	"strconv"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	// ErrNotRoot is returned when the worker is started without root.
	ErrNotRoot = errors.New("root privileges required")
	// ErrNoInvokingUser is returned when neither pkexec nor sudo left the
	// invoking user's identity in the environment.
	ErrNoInvokingUser = errors.New("cannot resolve invoking user: run via pkexec or sudo")
)

// Identity is the non-privileged user that started the elevated worker.
// Files and sockets the worker creates are handed back to this identity.
type Identity struct {
	UID int
	GID int
}

// Current returns the identity of the running process.
func Current() Identity {
	return Identity{UID: os.Getuid(), GID: os.Getgid()}
}

// Chown hands path over to the identity.
func (id Identity) Chown(path string) error {
	return os.Chown(path, id.UID, id.GID)
}

// ChownFile hands an open file over to the identity. Unlike Chown it cannot
// be redirected by swapping the path after the file was created.
func (id Identity) ChownFile(f *os.File) error {
	return f.Chown(id.UID, id.GID)
}

// Resolve recovers the invoking user's identity from the environment left by
// the elevation tool. PKEXEC_UID wins over SUDO_UID. The primary group comes
// from the user database, falling back to SUDO_GID.
func Resolve(getenv func(string) string) (Identity, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	raw := getenv("PKEXEC_UID")
	if raw == "" {
		raw = getenv("SUDO_UID")
	}
	if raw == "" {
		return Identity{}, ErrNoInvokingUser
	}
	uid, err := strconv.Atoi(raw)
	if err != nil || uid < 0 {
		return Identity{}, fmt.Errorf("%w: invalid uid %q", ErrNoInvokingUser, raw)
	}

	gid, err := lookupGID(uid)
	if err != nil {
		gidRaw := getenv("SUDO_GID")
		if gidRaw == "" {
			return Identity{}, fmt.Errorf("%w: %v", ErrNoInvokingUser, err)
		}
		gid, err = strconv.Atoi(gidRaw)
		if err != nil || gid < 0 {
			return Identity{}, fmt.Errorf("%w: invalid gid %q", ErrNoInvokingUser, gidRaw)
		}
	}
	return Identity{UID: uid, GID: gid}, nil
}

func lookupGID(uid int) (int, error) {
	u, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(u.Gid)
}

// RequireRoot fails unless the effective uid is 0.
func RequireRoot() error {
	if os.Geteuid() != 0 {
		return ErrNotRoot
	}
	return nil
}

// SetProcessName renames the calling thread as shown by ps/top. Linux
// truncates the name to 15 bytes.
func SetProcessName(name string) error {
	buf := make([]byte, 16)
	copy(buf[:15], name)
	err := unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&buf[0])), 0, 0, 0)
	runtime.KeepAlive(buf)
	return err
}
