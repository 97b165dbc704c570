package app

import (
	"fmt"
	"net"
	"strings"
	"time"
)

var timeNow = time.Now

// NormalizeLocalViewer keeps the viewer on loopback and returns the listen
// address and the browser URL.
func NormalizeLocalViewer(cfgAddr string) (listenAddr, url string, ok bool) {
	a := strings.TrimSpace(cfgAddr)
	switch {
	case a == "":
		return "", "", false
	case strings.HasPrefix(a, ":"):
		a = "127.0.0.1" + a
	case strings.HasPrefix(a, "0.0.0.0:"):
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	case strings.HasPrefix(a, "[::]:"):
		a = "[::1]:" + strings.TrimPrefix(a, "[::]:")
	}
	return a, "http://" + a, true
}

// WaitTCP polls addr until it accepts a connection or timeout passes.
func WaitTCP(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = c.Close()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for %s", addr)
}

func logBanner(peerDir, cfgPath string) {
	log.Info("────────────────────────────────────────")
	log.Info("goopcall peer")
	log.Infof(" Peer folder : %s", peerDir)
	log.Infof(" Config file : %s", cfgPath)
	log.Info(" One folder is one local user; its database and")
	log.Info(" config are not shared with other peers.")
	log.Info("────────────────────────────────────────")
}
