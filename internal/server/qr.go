package server

import (
	"fmt"
	"net"
	"os"

	qrcode "github.com/skip2/go-qrcode"
)

// printConnectionQR writes an ASCII pairing code to stderr so a client on
// the same network can pick up host, port, and token in one scan.
func (s *Server) printConnectionQR(bindAddr string) {
	// Determine which host to encode — use LAN IP when bound to all interfaces.
	host := bindAddr
	if host == "0.0.0.0" || host == "" {
		if ips := localIPs(); len(ips) > 0 {
			host = ips[0]
		}
	}

	ascii, err := GenerateQRCodeASCII(host, s.port, s.token)
	if err != nil {
		s.log.Printf("server: QR code generation failed: %v", err)
		return
	}

	fmt.Fprintf(os.Stderr, "\nScan to connect:\n%s\n", ascii)
	fmt.Fprintf(os.Stderr, "  host:  %s:%d\n", host, s.port)
	fmt.Fprintf(os.Stderr, "  token: %s\n", s.token)
}

// GenerateQRCodeASCII renders the connect payload as a terminal QR code.
func GenerateQRCodeASCII(host string, port int, token string) (string, error) {
	payload := fmt.Sprintf("parley://%s:%d/?token=%s", host, port, token)
	qr, err := qrcode.New(payload, qrcode.Low)
	if err != nil {
		return "", fmt.Errorf("encoding QR: %w", err)
	}
	return qr.ToSmallString(false), nil
}

// localIPs returns the machine's non-loopback IPv4 addresses.
func localIPs() []string {
	var out []string
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			out = append(out, ip4.String())
		}
	}
	return out
}
