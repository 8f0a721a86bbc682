package server

import (
	"fmt"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/jroosing/hydradns/internal/config"
)

// dropPrivileges applies the [security] directives from the config file, in
// the only safe order: chroot while still root, then setgid, then setuid
// (group must be dropped before the user, since only root can still change
// the group afterward). Any field left empty is skipped.
func dropPrivileges(sec config.SecurityConfig) error {
	if sec.Chroot != "" {
		if err := unix.Chroot(sec.Chroot); err != nil {
			return fmt.Errorf("chroot %s: %w", sec.Chroot, err)
		}
		if err := unix.Chdir("/"); err != nil {
			return fmt.Errorf("chdir after chroot: %w", err)
		}
	}

	if sec.Setgid != "" {
		gid, err := lookupGID(sec.Setgid)
		if err != nil {
			return err
		}
		if err := unix.Setgid(gid); err != nil {
			return fmt.Errorf("setgid %s: %w", sec.Setgid, err)
		}
	}

	if sec.Setuid != "" {
		uid, err := lookupUID(sec.Setuid)
		if err != nil {
			return err
		}
		if err := unix.Setuid(uid); err != nil {
			return fmt.Errorf("setuid %s: %w", sec.Setuid, err)
		}
	}

	return nil
}

func lookupUID(name string) (int, error) {
	if u, err := user.Lookup(name); err == nil {
		return strconv.Atoi(u.Uid)
	}
	uid, err := strconv.Atoi(name)
	if err != nil {
		return 0, fmt.Errorf("setuid: unknown user %q", name)
	}
	return uid, nil
}

func lookupGID(name string) (int, error) {
	if g, err := user.LookupGroup(name); err == nil {
		return strconv.Atoi(g.Gid)
	}
	gid, err := strconv.Atoi(name)
	if err != nil {
		return 0, fmt.Errorf("setgid: unknown group %q", name)
	}
	return gid, nil
}
