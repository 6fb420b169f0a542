// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build unix

package session

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// pollReadable and pollWritable implement HasReadDataWaiting/
// HasWriteDataWaiting: a single zero-timeout poll(2) call over the
// connection's raw file descriptor, in place of a long-lived
// event-registration backend (epoll/kqueue/IOCP) — see DESIGN.md for
// the scope tradeoff.
func pollReadable(c net.Conn) (bool, error) {
	return pollFD(c, unix.POLLIN)
}

func pollWritable(c net.Conn) (bool, error) {
	return pollFD(c, unix.POLLOUT)
}

func pollFD(c net.Conn, events int16) (bool, error) {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return true, nil
	}
	rawConn, err := sc.SyscallConn()
	if err != nil {
		return false, err
	}
	var ready bool
	var pollErr error
	ctrlErr := rawConn.Control(func(fd uintptr) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: events | unix.POLLERR}}
		n, err := unix.Poll(fds, 0)
		if err != nil {
			pollErr = err
			return
		}
		ready = n > 0 && fds[0].Revents&(events|unix.POLLERR) != 0
	})
	if ctrlErr != nil {
		return false, ctrlErr
	}
	return ready, pollErr
}
