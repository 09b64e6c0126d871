//go:build !linux

package sipengine

import "net"

// setVoiceSockOpts — на платформах без Linux-специфичных опций сокет
// остается с настройками по умолчанию.
func setVoiceSockOpts(_ *net.UDPConn) error {
	return nil
}
