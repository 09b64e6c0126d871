//go:build linux

package sipengine

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// DSCP EF (46) — стандартная маркировка интерактивного голоса.
const dscpExpeditedForwarding = 46

// setVoiceSockOpts применяет Linux-специфичные опции голосового сокета:
// приоритет, SO_REUSEADDR/SO_REUSEPORT и маркировку DSCP.
func setVoiceSockOpts(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	return raw.Control(func(fd uintptr) {
		// Значение 6 соответствует приоритету интерактивного аудио.
		// Ошибки не критичны: в контейнерах опции могут быть недоступны.
		syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_PRIORITY, 6)
		syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
		syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1)

		// DSCP в старших 6 битах поля TOS.
		tos := dscpExpeditedForwarding << 2
		syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IP, syscall.IP_TOS, tos)
		syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
	})
}
