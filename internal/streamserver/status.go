package streamserver

import (
	"net"
	"os"
	"runtime"
	"strings"

	"github.com/codefionn/snapfan/internal/consts"
)

// Host describes the machine the server runs on
type Host struct {
	Name string `json:"name"`
	IP   string `json:"ip"`
	MAC  string `json:"mac"`
	OS   string `json:"os"`
	Arch string `json:"arch"`
}

// Snapserver identifies the server software
type Snapserver struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerInfo is the "server" object of Server.GetStatus
type ServerInfo struct {
	Host       Host       `json:"host"`
	Snapserver Snapserver `json:"snapserver"`
}

// currentServerInfo collects host details; the address is taken from the first
// non-loopback interface that is up
func currentServerInfo() ServerInfo {
	host := Host{OS: runtime.GOOS, Arch: runtime.GOARCH}
	if name, err := os.Hostname(); err == nil {
		host.Name = name
	}
	host.IP, host.MAC = primaryInterface()

	return ServerInfo{
		Host:       host,
		Snapserver: Snapserver{Name: consts.ServerName, Version: consts.Version},
	}
}

func primaryInterface() (ip, mac string) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			return ipNet.IP.String(), iface.HardwareAddr.String()
		}
	}
	return "", ""
}

// hostOf strips the port from a remote address
func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func equalMAC(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	return a != "" && strings.EqualFold(a, b)
}
