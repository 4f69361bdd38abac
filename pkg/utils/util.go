package utils

import (
	"errors"
	"math/rand"
	"net"
	"strconv"
)

var (
	ErrPort = errors.New("invalid port")
)

// StrToUint16 parses a decimal port, returning 0 when it is not one.
func StrToUint16(str string) uint16 {
	i, err := strconv.ParseUint(str, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(i)
}

// ListenUDPInPortRange binds laddr to the first free port in [portMin, portMax],
// starting from a random offset. laddr is updated with the bound port.
func ListenUDPInPortRange(portMin, portMax int, laddr *net.UDPAddr) (*net.UDPConn, error) {
	if (laddr.Port != 0) || ((portMin == 0) && (portMax == 0)) {
		return net.ListenUDP("udp", laddr)
	}
	var i, j int
	i = portMin
	if i == 0 {
		i = 1
	}
	j = portMax
	if j == 0 {
		j = 0xFFFF
	}
	if i > j {
		return nil, ErrPort
	}
	portStart := rand.Intn(j-i+1) + i
	portCurrent := portStart
	for {
		*laddr = net.UDPAddr{IP: laddr.IP, Port: portCurrent}
		c, e := net.ListenUDP("udp", laddr)
		if e == nil {
			return c, e
		}
		portCurrent++
		if portCurrent > j {
			portCurrent = i
		}
		if portCurrent == portStart {
			break
		}
	}
	return nil, ErrPort
}
